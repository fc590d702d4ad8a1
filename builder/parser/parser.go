// Package parser turns a Dockerfile into a flat list of instruction lines.
//
// Unlike the upstream Docker parser (github.com/docker/docker/builder/parser)
// this package does not build a node tree: the evaluator only ever needs
// one instruction at a time, in the {name, args, raw, lineno} shape described
// by the builder's external-interface contract, so we stop there.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Instruction is one line of a Dockerfile after continuation-joining and
// comment-stripping, but before any argument splitting: that is left to the
// dispatcher, since ENV/LABEL, EXPOSE/VOLUME and CMD/ENTRYPOINT/RUN each
// split their raw argument string differently.
type Instruction struct {
	Name   string // lowercased instruction name, e.g. "from", "copy"
	Args   string // raw argument text, leading/trailing space trimmed
	Raw    string // the instruction exactly as written (for cache "original")
	Lineno int    // 1-based line number the instruction started on
}

// Parse reads a Dockerfile and returns its instructions in file order.
func Parse(r io.Reader) ([]Instruction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		instructions []Instruction
		lineno       int
		pending      strings.Builder
		pendingRaw   strings.Builder
		startLine    int
		inPending    bool
	)

	flush := func() error {
		if !inPending {
			return nil
		}
		inPending = false
		line := strings.TrimSpace(pending.String())
		if line == "" {
			return nil
		}
		name, args := splitInstruction(line)
		if name == "" {
			return fmt.Errorf("dockerfile parse error on line %d: missing instruction", startLine)
		}
		instructions = append(instructions, Instruction{
			Name:   strings.ToLower(name),
			Args:   args,
			Raw:    strings.TrimSpace(pendingRaw.String()),
			Lineno: startLine,
		})
		pending.Reset()
		pendingRaw.Reset()
		return nil
	}

	for scanner.Scan() {
		lineno++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)

		if trimmed == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			// Directives (escape parsers etc.) are not implemented; a
			// leading comment line is simply skipped, matching the
			// common-case behavior of every Dockerfile parser in the pack.
			if !inPending {
				continue
			}
		}

		if !inPending {
			inPending = true
			startLine = lineno
		} else {
			pending.WriteByte(' ')
			pendingRaw.WriteByte('\n')
		}

		if strings.HasSuffix(trimmed, "\\") && !strings.HasSuffix(trimmed, "\\\\") {
			pending.WriteString(strings.TrimRight(strings.TrimSuffix(trimmed, "\\"), " \t"))
			pendingRaw.WriteString(raw)
			continue
		}

		pending.WriteString(trimmed)
		pendingRaw.WriteString(raw)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return instructions, nil
}

// splitInstruction separates the leading instruction keyword from the rest
// of the (already continuation-joined) line.
func splitInstruction(line string) (name, args string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}
