package poolalloc

var (
	ErrOutOfMemory   = &AllocError{"out of memory"}
	ErrInvalidSize   = &AllocError{"allocation size must be positive"}
	ErrArenaTooSmall = &AllocError{"arena is smaller than one handle table slot"}
)

type AllocError struct {
	Msg string
}

func (e *AllocError) Error() string {
	return e.Msg
}

func (e *AllocError) Is(target error) bool {
	if targetErr, ok := target.(*AllocError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}
