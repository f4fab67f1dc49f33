package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// payloadArchive builds a tar stream that, extracted at "/", creates workDir
// (and its parents) and places content at workDir/filename. Directory
// entries are included because the daemon does not create the working
// directory of a container that has not started yet.
func payloadArchive(workDir, filename string, content []byte) (io.Reader, error) {
	dir := strings.TrimPrefix(path.Clean("/"+workDir), "/")
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return nil, fmt.Errorf("invalid filename %q", filename)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	if dir != "" {
		parts := strings.Split(dir, "/")
		for i := range parts {
			hdr := &tar.Header{
				Name:     strings.Join(parts[:i+1], "/") + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				ModTime:  now,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
		}
	}

	hdr := &tar.Header{
		Name:     path.Join(dir, filename),
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  now,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
