package types

const (
	PageSize       = 4096 // 4KB page
	PageHeaderSize = 32   // see storage_engine/page for the layout
)

type PageType uint8

const (
	PageFree PageType = iota
	PageMeta
	PageLeaf
	PageInternal
)

func (pt PageType) String() string {
	switch pt {
	case PageFree:
		return "free"
	case PageMeta:
		return "meta"
	case PageLeaf:
		return "leaf"
	case PageInternal:
		return "internal"
	default:
		return "unknown"
	}
}
