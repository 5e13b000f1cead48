package clarity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
)

// FileKind describes file records.
var FileKind = &Kind{Name: "File", Tag: "{http://genologics.com/ri/file}file"}

// ContentOpener reads file content stored outside the REST API.
type ContentOpener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

var (
	fileName            = Subnode[string]{Path: "original-location", Codec: codec.String}
	fileAttachedTo      = Subnode[string]{Path: "attached-to", Codec: codec.URI}
	fileContentLocation = Subnode[string]{Path: "content-location", Codec: codec.URI}
	fileIsPublished     = Subnode[bool]{Path: "is-published", Codec: codec.Boolean}
)

// File is a file record and its content. Content is loaded on first use
// and written back by Commit.
type File struct {
	*Element

	data   []byte
	loaded bool
	dirty  bool
}

func newFile(el *Element) *File { return &File{Element: el} }

// NewEmptyFile returns an unsaved, empty file attached to the entity at
// attachedTo.
func NewEmptyFile(s *Session, attachedTo, name string) *File {
	f := s.Files.New()
	if name != "" {
		_ = fileName.Set(context.Background(), f, name)
	}
	_ = fileAttachedTo.Set(context.Background(), f, attachedTo)
	f.loaded = true
	return f
}

// NewFileFromLocal returns an unsaved file with the content of a local file.
func NewFileFromLocal(s *Session, attachedTo, path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewUsageError(fmt.Sprintf("can't read %s", path)).withCause(err)
	}
	f := NewEmptyFile(s, attachedTo, path)
	f.data = data
	f.dirty = true
	return f, nil
}

// Name returns the original file name.
func (f *File) Name(ctx context.Context) (string, error) { return fileName.Get(ctx, f) }

// SetName sets the original file name.
func (f *File) SetName(ctx context.Context, name string) error { return fileName.Set(ctx, f, name) }

// AttachedTo returns the URI of the entity the file belongs to.
func (f *File) AttachedTo(ctx context.Context) (string, error) { return fileAttachedTo.Get(ctx, f) }

func (f *File) SetAttachedTo(ctx context.Context, uri string) error {
	return fileAttachedTo.Set(ctx, f, uri)
}

// ContentLocation returns where the server stores the content.
func (f *File) ContentLocation(ctx context.Context) (string, error) {
	return fileContentLocation.Get(ctx, f)
}

func (f *File) IsPublished(ctx context.Context) (bool, error) { return fileIsPublished.Get(ctx, f) }

func (f *File) SetPublished(ctx context.Context, v bool) error {
	return fileIsPublished.Set(ctx, f, v)
}

// Download writes the stored content to w. sftp:// content locations are
// read directly when the session has a content opener.
func (f *File) Download(ctx context.Context, w io.Writer) error {
	if f.session.opener != nil && f.root != nil {
		if loc, _ := fileContentLocation.Get(ctx, f); strings.HasPrefix(loc, "sftp://") {
			rc, err := f.session.opener.Open(ctx, loc)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(w, rc)
			return err
		}
	}
	return f.session.Download(ctx, f.URI()+"/download", w)
}

func (f *File) load(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	f.loaded = true
	if f.URI() == "" {
		return nil
	}
	var buf bytes.Buffer
	if err := f.Download(ctx, &buf); err != nil {
		if IsFileNotFound(err) {
			f.session.logger.Debug().Str("uri", f.URI()).Msg("file not found")
			f.uri = ""
			return nil
		}
		f.loaded = false
		return err
	}
	f.data = buf.Bytes()
	return nil
}

// Data returns the content, downloading it on first use. A file whose
// content is missing on the server loses its URI and reads as empty.
func (f *File) Data(ctx context.Context) ([]byte, error) {
	if err := f.load(ctx); err != nil {
		return nil, err
	}
	return f.data, nil
}

// Reader returns a reader over the content.
func (f *File) Reader(ctx context.Context) (io.Reader, error) {
	data, err := f.Data(ctx)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Write appends to the local content. Content of a stored file that was
// never loaded is replaced, not appended to.
func (f *File) Write(p []byte) (int, error) {
	f.loaded = true
	f.dirty = true
	f.data = append(f.data, p...)
	return len(p), nil
}

// Truncate empties the local content.
func (f *File) Truncate() {
	f.loaded = true
	f.dirty = true
	f.data = nil
}

// Dirty reports whether local content has not been uploaded.
func (f *File) Dirty() bool { return f.dirty }

// Commit saves the file. A stored file is deleted and recreated: the record
// is registered with storage, created, and the content uploaded when it
// changed. Nothing is sent when the content was never touched.
func (f *File) Commit(ctx context.Context) error {
	if !f.loaded {
		return nil
	}
	name, err := f.Name(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		return NewUsageError("Value for .name required.")
	}

	if f.uri != "" {
		if _, err := f.session.Request(ctx, http.MethodDelete, f.uri, nil); err != nil {
			return err
		}
		f.uri = ""
	}
	if err := f.PostAndParse(ctx, f.session.rootURI+"/glsstorage"); err != nil {
		return err
	}
	if err := f.PostAndParse(ctx, f.session.rootURI+"/files"); err != nil {
		return err
	}
	if f.dirty {
		if err := f.session.Upload(ctx, f.uri+"/upload", name, bytes.NewReader(f.data)); err != nil {
			return err
		}
		f.dirty = false
	}
	if f.uri != "" {
		f.session.Files.cache[f.uri] = f
	}
	return nil
}

// ReplaceAndCommit replaces the content and name and commits.
func (f *File) ReplaceAndCommit(ctx context.Context, r io.Reader, name string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read replacement content: %w", err)
	}
	if err := f.SetName(ctx, name); err != nil {
		return err
	}
	f.data = data
	f.loaded = true
	f.dirty = true
	return f.Commit(ctx)
}

// ReplaceAndCommitFromLocal is ReplaceAndCommit with a local file.
func (f *File) ReplaceAndCommitFromLocal(ctx context.Context, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return NewUsageError(fmt.Sprintf("can't read %s", path)).withCause(err)
	}
	defer fh.Close()
	return f.ReplaceAndCommit(ctx, fh, path)
}
