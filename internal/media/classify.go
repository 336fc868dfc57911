package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrClassificationAmbiguous is returned when the content signature
// and the file extension disagree in a way that cannot be safely
// resolved. Caller policy is to treat the file as Unknown, proceed
// with minimal metadata, and skip derivative generation.
var ErrClassificationAmbiguous = errors.New("file signature and extension disagree irreconcilably")

// extensionKinds is the fallback lookup used only when signature
// inspection was inconclusive.
var extensionKinds = map[string]Kind{
	"jpg": Image, "jpeg": Image, "png": Image, "gif": Image,
	"webp": Image, "bmp": Image, "tif": Image, "tiff": Image,
	"heic": Image,

	"mp4": Video, "mkv": Video, "mov": Video, "avi": Video,
	"webm": Video, "m4v": Video, "mpg": Video, "mpeg": Video,

	"pdf": Document, "doc": Document, "docx": Document,
	"odt": Document, "epub": Document, "txt": Document,
	"md": Document, "rtf": Document,
}

// Classify inspects the magic-number signature of the file at the
// given path and assigns a Kind. The signature always takes
// precedence over the file extension; the extension is consulted
// only when the signature inspection is inconclusive.
//
// Classification is deterministic and side-effect free (the file is
// opened read-only and never modified). The signature read runs in
// its own goroutine so that a stalled filesystem cannot outlive the
// context given.
func Classify(ctx context.Context, path string) (Kind, error) {
	if err := ctx.Err(); err != nil {
		return Unknown, err
	}

	type detection struct {
		kind Kind
		err  error
	}

	result := make(chan detection, 1)
	go func() {
		kind, err := classifyFile(path)
		result <- detection{kind, err}
	}()

	select {
	case <-ctx.Done():
		return Unknown, ctx.Err()
	case detected := <-result:
		return detected.kind, detected.err
	}
}

func classifyFile(path string) (Kind, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to read file for classification: %w", err)
	}

	sigKind := kindForMime(mtype)
	extKind := kindForExtension(path)

	// An inconclusive signature (generic binary) defers to the extension.
	if mtype.Is("application/octet-stream") {
		return extKind, nil
	}

	// A plain-text match is a weak signal; if the extension claims the
	// file is concrete image/video content the two cannot be reconciled.
	if mtype.Is("text/plain") && (extKind == Image || extKind == Video) {
		return Unknown, ErrClassificationAmbiguous
	}

	return sigKind, nil
}

func kindForMime(mtype *mimetype.MIME) Kind {
	mime := mtype.String()
	switch {
	case strings.HasPrefix(mime, "image/"):
		return Image
	case strings.HasPrefix(mime, "video/"):
		return Video
	case mtype.Is("application/pdf"),
		mtype.Is("application/msword"),
		mtype.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"),
		mtype.Is("application/vnd.oasis.opendocument.text"),
		mtype.Is("application/epub+zip"),
		strings.HasPrefix(mime, "text/"):
		return Document
	default:
		return Unknown
	}
}

func kindForExtension(path string) Kind {
	dot := strings.LastIndex(path, ".")
	if dot == -1 || dot == len(path)-1 {
		return Unknown
	}

	if kind, ok := extensionKinds[strings.ToLower(path[dot+1:])]; ok {
		return kind
	}

	return Unknown
}
