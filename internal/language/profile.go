// Package language maps a language key to the execution profile used to run it.
//
// A profile is plain configuration: which container image to start, which
// command to run inside it, and the fixed filename the submitted source is
// written under. The registry is built once at startup and never mutated
// afterwards, so concurrent lookups from many jobs need no locking.
package language

import (
	"fmt"
	"strings"
)

// FileToken is replaced with the profile's Filename when the command is expanded.
const FileToken = "{file}"

// Profile describes how to run one language. Profiles are immutable once the
// registry is built.
type Profile struct {
	Key      string   `yaml:"-"`
	Image    string   `yaml:"image"`
	Command  []string `yaml:"command"`
	Filename string   `yaml:"filename"`

	// Stdin wires the request's stdin buffer to the process. Profiles without
	// it run with no input attached and ignore the buffer.
	Stdin bool `yaml:"stdin"`

	// TrimTrailingNewline strips one trailing newline from each captured stream.
	TrimTrailingNewline bool `yaml:"trim_trailing_newline"`
}

// Cmd returns the command line with FileToken expanded.
func (p Profile) Cmd() []string {
	out := make([]string, len(p.Command))
	for i, arg := range p.Command {
		out[i] = strings.ReplaceAll(arg, FileToken, p.Filename)
	}
	return out
}

// Validate checks that the profile can be used to start a unit.
func (p Profile) Validate() error {
	switch {
	case p.Key == "":
		return fmt.Errorf("language: profile key is required")
	case p.Image == "":
		return fmt.Errorf("language: %s: image is required", p.Key)
	case len(p.Command) == 0:
		return fmt.Errorf("language: %s: command is required", p.Key)
	case p.Filename == "":
		return fmt.Errorf("language: %s: filename is required", p.Key)
	case strings.ContainsAny(p.Filename, `/\`) || p.Filename == "." || p.Filename == "..":
		return fmt.Errorf("language: %s: filename %q must be a bare file name", p.Key, p.Filename)
	}
	return nil
}

// Builtin is the static profile table compiled into the binary.
func Builtin() []Profile {
	return []Profile{
		{
			Key:                 "python",
			Image:               "python:3.12-alpine",
			Command:             []string{"python3", FileToken},
			Filename:            "main.py",
			Stdin:               true,
			TrimTrailingNewline: true,
		},
		{
			Key:                 "javascript",
			Image:               "node:20-alpine",
			Command:             []string{"node", FileToken},
			Filename:            "main.js",
			Stdin:               true,
			TrimTrailingNewline: true,
		},
		{
			Key:                 "ruby",
			Image:               "ruby:3.3-alpine",
			Command:             []string{"ruby", FileToken},
			Filename:            "main.rb",
			Stdin:               true,
			TrimTrailingNewline: true,
		},
		{
			Key:                 "bash",
			Image:               "bash:5.2",
			Command:             []string{"bash", FileToken},
			Filename:            "main.sh",
			Stdin:               true,
			TrimTrailingNewline: true,
		},
	}
}
