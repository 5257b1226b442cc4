package routes

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// domainsSection is the ini section holding domain = exchange pairs.
const domainsSection = "main"

// FileSource loads routes from an ini file:
//
//	[main]
//	example.com = smtp://mx.example.com:25
type FileSource struct {
	Path string
}

// Name identifies the source in logs.
func (s FileSource) Name() string { return "file:" + s.Path }

// Load reads the file. A file without a [main] section yields no routes.
func (s FileSource) Load(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("load domains file %s: %w", s.Path, err)
	}
	entries, err := ParseINI(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return entries, nil
}

// ParseINI reads routes from ini-formatted bytes.
func ParseINI(data []byte) (map[string]string, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse domains ini: %w", err)
	}
	return parseINI(f), nil
}

func parseINI(f *ini.File) map[string]string {
	out := make(map[string]string)
	sec, err := f.GetSection(domainsSection)
	if err != nil {
		return out
	}
	for _, key := range sec.Keys() {
		out[strings.ToLower(key.Name())] = strings.TrimSpace(key.Value())
	}
	return out
}
