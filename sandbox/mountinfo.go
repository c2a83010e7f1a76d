// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// mountinfoPath is a variable so tests can point the parser at a fixture.
var mountinfoPath = "/proc/self/mountinfo"

// mountPointsUnder returns the mount points from the live mount table whose
// target equals root or lies underneath it, sorted deepest-first so they can
// be unmounted innermost-out. Mount points containing spaces, tabs, newlines,
// or backslashes appear octal-escaped in mountinfo and are decoded before the
// prefix match.
func mountPointsUnder(root string) ([]string, error) {
	f, err := os.Open(mountinfoPath)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	defer f.Close()

	prefix := strings.TrimSuffix(root, "/") + "/"
	var points []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), " ")
		if len(fields) < 5 {
			continue
		}
		point := unescapeMountPath(fields[4])
		if point == root || strings.HasPrefix(point, prefix) {
			points = append(points, point)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}

	sort.Slice(points, func(i, j int) bool {
		di := strings.Count(points[i], "/")
		dj := strings.Count(points[j], "/")
		if di != dj {
			return di > dj
		}
		return points[i] > points[j]
	})
	return points, nil
}

// unescapeMountPath decodes the \ooo octal escapes the kernel uses for
// special characters in mountinfo fields.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
