package gapr

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/Aishwarya3011/gapr-sub001/internal/frame"
)

var errNeedModel = NewReplyError(StatusErr, "need MODEL")

// modelArgs parses "name" or "name:variant".
func modelArgs(args string) (name string, variant uint16, err error) {
	name = args
	if i := strings.IndexByte(args, ':'); i >= 0 {
		name = args[:i]
		v, perr := strconv.ParseUint(args[i+1:], 10, 16)
		if perr != nil || (uint16(v) != VariantPlain && uint16(v) != VariantBrotli) {
			return "", 0, NewReplyError(StatusErr, "unsupported variant")
		}
		variant = uint16(v)
	}
	if !fs.ValidPath(name) || name == "." || strings.ContainsRune(name, '/') {
		return "", 0, errNeedModel
	}
	return name, variant, nil
}

// GetModel handles "GET.MODEL name[:variant]", streaming a file from dir.
// Variant 1 compresses the stream with brotli.
func GetModel(dir string) Handler {
	return HandlerFunc(func(ctx *Context) error {
		name, variant, err := modelArgs(ctx.Args())
		if err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return errNotFound
		}
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		if st.IsDir() {
			return errNotFound
		}

		var hint uint64
		if variant == VariantPlain {
			hint = uint64(st.Size())
		}
		if err := ctx.ReplyStream(variant, hint, StatusOK); err != nil {
			return err
		}
		var w io.Writer = ctx
		var bw *brotli.Writer
		if variant == VariantBrotli {
			bw = brotli.NewWriterLevel(ctx, brotli.DefaultCompression)
			w = bw
		}
		if err := copyChunks(ctx, w, f); err != nil {
			ctx.Logger().Debug("model stream cut", zap.String("model", name), zap.Error(err))
			return err
		}
		if bw != nil {
			if err := bw.Close(); err != nil {
				return err
			}
		}
		return ctx.Close()
	})
}

// copyChunks copies in frame-sized pieces, checking for cancellation
// between them.
func copyChunks(ctx *Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, frame.MaxChunk)
	for {
		if err := ctx.Context().Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// PutModel handles "PUT.MODEL name" with a body, storing it in dir. The
// file only replaces an existing one once the whole body arrived.
func PutModel(dir string) Handler {
	return HandlerFunc(func(ctx *Context) error {
		name, _, err := modelArgs(ctx.Args())
		if err != nil {
			return err
		}
		if !ctx.HasBody() {
			return NewReplyError(StatusErr, "need body")
		}
		tmp, err := os.CreateTemp(dir, "."+name+".*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())

		n, err := io.Copy(tmp, ctx.Body())
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("store %s: %w", name, err)
		}
		if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
			return err
		}
		return ctx.OK(n)
	})
}
