package processor

// OrderState is a step of the per-order state machine
type OrderState int

const (
	NotStarted OrderState = iota
	RowOpened
	DocumentsOpened
	DocumentsListed
	DocumentsScanned
	Returned
)

func (s OrderState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case RowOpened:
		return "RowOpened"
	case DocumentsOpened:
		return "DocumentsOpened"
	case DocumentsListed:
		return "DocumentsListed"
	case DocumentsScanned:
		return "DocumentsScanned"
	case Returned:
		return "Returned"
	default:
		return "Unknown"
	}
}
