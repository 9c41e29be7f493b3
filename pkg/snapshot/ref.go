package snapshot

// RefKind discriminates snapshot references.
type RefKind string

const (
	// RefNone means no snapshot was captured.
	RefNone RefKind = "none"
	// RefClean means the tree had no pending changes at capture time.
	RefClean RefKind = "clean"
	// RefStash points at a real stash commit.
	RefStash RefKind = "stash"
)

// Ref identifies a point-in-time capture of the working tree. The sentinel
// kinds (none, clean) carry no handle and restore trivially.
type Ref struct {
	Kind   RefKind `json:"kind"`
	Handle string  `json:"handle,omitempty"`
}

// None is the no-snapshot sentinel.
var None = Ref{Kind: RefNone}

// Clean is the nothing-to-capture sentinel.
var Clean = Ref{Kind: RefClean}

// Stash wraps a stash commit SHA in a Ref.
func Stash(handle string) Ref {
	return Ref{Kind: RefStash, Handle: handle}
}

// IsReal reports whether the ref points at an actual capture.
func (r Ref) IsReal() bool {
	return r.Kind == RefStash && r.Handle != ""
}

// String returns a short printable form.
func (r Ref) String() string {
	if r.IsReal() {
		return string(r.Kind) + ":" + r.Handle
	}
	if r.Kind == "" {
		return string(RefNone)
	}
	return string(r.Kind)
}
