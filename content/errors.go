package content

import "errors"

var (
	ErrNotFound         = errors.New("content: item not found")
	ErrTitleRequired    = errors.New("content: title is required")
	ErrBodyRequired     = errors.New("content: body is required")
	ErrAuthorRequired   = errors.New("content: author is required")
	ErrNotEditable      = errors.New("content: item is not editable in its current status")
	ErrWorkflowAssigned = errors.New("content: workflow already assigned")
	ErrInvalidStatus    = errors.New("content: invalid status")
)
