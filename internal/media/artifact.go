package media

import "fmt"

type DerivativeKind int

const (
	Thumbnail DerivativeKind = iota
	Preview
	Proxy
)

func (k DerivativeKind) String() string {
	switch k {
	case Thumbnail:
		return "thumbnail"
	case Preview:
		return "preview"
	case Proxy:
		return "proxy"
	default:
		return fmt.Sprintf("derivative[%d]", k)
	}
}

// DerivativeArtifact is a generated secondary file (thumbnail,
// preview or proxy) derived from a source file. Ownership transfers
// from the generator to the pipeline on creation; the pipeline
// deletes the file after a successful upload or on job abandonment.
type DerivativeArtifact struct {
	Kind     DerivativeKind
	Format   string
	Size     int64
	Path     string
	Checksum string
}

func (artifact *DerivativeArtifact) String() string {
	return fmt.Sprintf("Derivative{kind=%s format=%s size=%d}", artifact.Kind, artifact.Format, artifact.Size)
}
