package wire

// Op - Identifies the operation a message carries. Requests and responses
// share the same op and are correlated by request id.
type Op int

// op type enum-like
const (
	OP_PING          Op = 1
	OP_FIND_NODE     Op = 2
	OP_GET_VALUE     Op = 3
	OP_PUT_VALUE     Op = 4
	OP_ADD_PROVIDER  Op = 5
	OP_GET_PROVIDERS Op = 6
)

func (o Op) String() string {
	switch o {
	case OP_PING:
		return "PING"
	case OP_FIND_NODE:
		return "FIND_NODE"
	case OP_GET_VALUE:
		return "GET_VALUE"
	case OP_PUT_VALUE:
		return "PUT_VALUE"
	case OP_ADD_PROVIDER:
		return "ADD_PROVIDER"
	case OP_GET_PROVIDERS:
		return "GET_PROVIDERS"
	default:
		return "UNKNOWN"
	}
}

func (o Op) Valid() bool {
	return o >= OP_PING && o <= OP_GET_PROVIDERS
}
