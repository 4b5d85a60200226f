package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// uploadsFS serves stored attachments only. Directories are never listed
// and dot files, which include in-flight temporary uploads, stay hidden.
type uploadsFS struct {
	root http.FileSystem
}

func (u uploadsFS) Open(name string) (http.File, error) {
	if strings.HasPrefix(path.Base(name), ".") {
		return nil, fs.ErrNotExist
	}

	f, err := u.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}
