package xcookie

import "github.com/goliatone/go-xcookie/internal/errcode"

// Text codes carried by errors that flow between the resolver's layers. None
// of them reaches a Get caller; they show up in logs and activity metadata.
const (
	CodeRequestTimeout   = errcode.RequestTimeout
	CodeSessionDegraded  = errcode.SessionDegraded
	CodeStoreUnavailable = errcode.StoreUnavailable
	CodeBadInput         = errcode.BadInput
	CodeClosed           = errcode.Closed
	CodePolicyInvalid    = errcode.PolicyInvalid
)

// IsTextCode reports whether err carries code.
func IsTextCode(err error, code string) bool {
	return errcode.Is(err, code)
}
