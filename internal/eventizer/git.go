package eventizer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// GitBackend fetches commits from the output of git log. The gitpath
// argument points at a file produced by
//
//	git log --raw --numstat --pretty=fuller --decorate=full --parents
//
// which is parsed commit by commit, newest first.
type GitBackend struct{}

const gitCategoryCommit = "commit"

// gitDateLayout matches the default git date format, e.g.
// "Tue Feb 11 22:10:39 2014 -0800".
const gitDateLayout = "Mon Jan 2 15:04:05 2006 -0700"

// Fetch opens the git log at the gitpath argument and iterates its commits.
// Required arguments: uri (the repository origin) and gitpath. Commits older
// than the optional from_date are yielded as skipped.
func (b *GitBackend) Fetch(ctx context.Context, category string, args map[string]any) (ItemIterator, error) {
	if category != gitCategoryCommit {
		return nil, apperrors.Validationf("git backend does not support category %q", category)
	}
	uri := stringArg(args, "uri")
	if uri == "" {
		return nil, apperrors.Validation("git backend requires a uri argument")
	}
	gitpath := stringArg(args, "gitpath")
	if gitpath == "" {
		return nil, apperrors.Validation("git backend requires a gitpath argument")
	}
	fromDate, err := timeArg(args, "from_date")
	if err != nil {
		return nil, err
	}

	file, err := os.Open(gitpath)
	if err != nil {
		return nil, fmt.Errorf("open git log %s: %w", gitpath, err)
	}
	return &gitLogIterator{
		origin:   uri,
		fromDate: fromDate,
		file:     file,
		parser:   newGitLogParser(file),
	}, nil
}

// gitLogIterator yields one Item per commit found in a git log stream.
type gitLogIterator struct {
	origin   string
	fromDate *time.Time
	file     *os.File
	parser   *gitLogParser
	current  *Item
	err      error
	closed   bool
}

func (it *gitLogIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}

	commit, err := it.parser.next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}

	item, err := it.itemFromCommit(commit)
	if err != nil {
		it.err = err
		return false
	}
	it.current = item
	return true
}

func (it *gitLogIterator) Item() *Item { return it.current }

func (it *gitLogIterator) Err() error { return it.err }

func (it *gitLogIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.file.Close()
}

func (it *gitLogIterator) itemFromCommit(c *gitCommit) (*Item, error) {
	dateText := c.CommitDate
	if dateText == "" {
		dateText = c.AuthorDate
	}
	updatedOn, err := time.Parse(gitDateLayout, dateText)
	if err != nil {
		return nil, fmt.Errorf("commit %s has no usable date: %w", c.Hash, err)
	}
	updatedOn = updatedOn.UTC()

	return &Item{
		UUID:      fingerprint(it.origin, c.Hash),
		Origin:    it.origin,
		Category:  gitCategoryCommit,
		UpdatedOn: updatedOn,
		Offset:    c.Hash,
		Data:      c.data(),
		Skipped:   it.fromDate != nil && updatedOn.Before(*it.fromDate),
		commit:    c,
	}, nil
}

// gitCommit is one parsed commit block from the log.
type gitCommit struct {
	Hash       string
	Parents    []string
	Refs       []string
	Merge      string
	Author     string
	AuthorDate string
	Committer  string
	CommitDate string
	Message    string
	Files      []gitFile
}

// gitFile is one action row of a commit, optionally enriched by its numstat
// row. Combined marks rows from merge diffs, whose Action carries one
// character per parent.
type gitFile struct {
	Modes    []string
	Indexes  []string
	Action   string
	File     string
	NewFile  string
	Added    string
	Removed  string
	Combined bool
}

func (c *gitCommit) data() map[string]any {
	files := make([]map[string]any, 0, len(c.Files))
	for _, f := range c.Files {
		entry := map[string]any{
			"file":    f.File,
			"action":  f.Action,
			"modes":   f.Modes,
			"indexes": f.Indexes,
		}
		if f.NewFile != "" {
			entry["newfile"] = f.NewFile
		}
		if f.Added != "" {
			entry["added"] = f.Added
		}
		if f.Removed != "" {
			entry["removed"] = f.Removed
		}
		files = append(files, entry)
	}

	data := map[string]any{
		"commit":     c.Hash,
		"parents":    c.Parents,
		"refs":       c.Refs,
		"Author":     c.Author,
		"AuthorDate": c.AuthorDate,
		"Commit":     c.Committer,
		"CommitDate": c.CommitDate,
		"message":    c.Message,
		"files":      files,
	}
	if c.Merge != "" {
		data["Merge"] = c.Merge
	}
	return data
}

var (
	commitLinePattern = regexp.MustCompile(`^commit ([0-9a-f]{40})((?: [0-9a-f]{40})*)(?: \((.+)\))?$`)
	statRowPattern    = regexp.MustCompile(`^(\d+|-)\t(\d+|-)\t(.+)$`)
)

// messageIndent is the prefix git log puts before every message line.
const messageIndent = "    "

// gitLogParser walks a git log stream one commit block at a time. Blocks
// start at a commit line and run through headers, the indented message and
// the action/numstat rows that follow it.
type gitLogParser struct {
	scanner    *bufio.Scanner
	pending    string
	hasPending bool
	line       int
}

func newGitLogParser(r io.Reader) *gitLogParser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &gitLogParser{scanner: scanner}
}

func (p *gitLogParser) scan() (string, bool) {
	if p.hasPending {
		p.hasPending = false
		return p.pending, true
	}
	if !p.scanner.Scan() {
		return "", false
	}
	p.line++
	return p.scanner.Text(), true
}

func (p *gitLogParser) pushBack(line string) {
	p.pending = line
	p.hasPending = true
}

// next parses the following commit block, returning io.EOF once the stream
// is exhausted.
func (p *gitLogParser) next() (*gitCommit, error) {
	commit, err := p.parseCommitLine()
	if err != nil {
		return nil, err
	}
	if err := p.parseHeaders(commit); err != nil {
		return nil, err
	}
	if err := p.parseBody(commit); err != nil {
		return nil, err
	}
	return commit, nil
}

func (p *gitLogParser) parseCommitLine() (*gitCommit, error) {
	for {
		line, ok := p.scan()
		if !ok {
			if err := p.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read git log: %w", err)
			}
			return nil, io.EOF
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		m := commitLinePattern.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("git log line %d: expected a commit line, got %q", p.line, line)
		}
		commit := &gitCommit{Hash: m[1]}
		if parents := strings.Fields(m[2]); len(parents) > 0 {
			commit.Parents = parents
		}
		if m[3] != "" {
			commit.Refs = strings.Split(m[3], ", ")
		}
		return commit, nil
	}
}

func (p *gitLogParser) parseHeaders(commit *gitCommit) error {
	for {
		line, ok := p.scan()
		if !ok || strings.TrimSpace(line) == "" {
			return nil
		}

		key, value, found := strings.Cut(line, ":")
		if !found || strings.HasPrefix(line, " ") {
			return fmt.Errorf("git log line %d: expected a header, got %q", p.line, line)
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Merge":
			commit.Merge = value
		case "Author":
			commit.Author = value
		case "AuthorDate":
			commit.AuthorDate = value
		case "Commit":
			commit.Committer = value
		case "CommitDate":
			commit.CommitDate = value
		}
	}
}

// parseBody consumes the commit message and the file rows that follow it.
// The message ends at the first action or numstat row, or at the next
// commit line, which is pushed back for the following call.
func (p *gitLogParser) parseBody(commit *gitCommit) error {
	var message []string
	pendingBlanks := 0
	statIdx := 0

	for {
		line, ok := p.scan()
		if !ok {
			break
		}

		switch {
		case strings.HasPrefix(line, "commit "):
			p.pushBack(line)
			commit.Message = strings.Join(message, "\n")
			return nil

		case strings.TrimSpace(line) == "":
			if len(message) > 0 {
				pendingBlanks++
			}

		case strings.HasPrefix(line, messageIndent) && statIdx == 0 && len(commit.Files) == 0:
			for ; pendingBlanks > 0; pendingBlanks-- {
				message = append(message, "")
			}
			message = append(message, strings.TrimPrefix(line, messageIndent))

		case strings.HasPrefix(line, ":"):
			pendingBlanks = 0
			file, err := parseActionRow(line)
			if err != nil {
				return fmt.Errorf("git log line %d: %w", p.line, err)
			}
			commit.Files = append(commit.Files, file)

		case statRowPattern.MatchString(line):
			pendingBlanks = 0
			m := statRowPattern.FindStringSubmatch(line)
			if statIdx < len(commit.Files) {
				commit.Files[statIdx].Added = m[1]
				commit.Files[statIdx].Removed = m[2]
				statIdx++
			}

		default:
			return fmt.Errorf("git log line %d: unexpected line %q", p.line, line)
		}
	}

	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("read git log: %w", err)
	}
	commit.Message = strings.Join(message, "\n")
	return nil
}

// parseActionRow parses a raw diff row. Regular rows carry two modes and two
// indexes; rows from merge diffs start with one colon per parent and carry
// one more of each, plus a one-character action per parent.
func parseActionRow(line string) (gitFile, error) {
	colons := 0
	for colons < len(line) && line[colons] == ':' {
		colons++
	}

	left, paths, found := strings.Cut(line[colons:], "\t")
	if !found {
		return gitFile{}, fmt.Errorf("action row %q has no file name", line)
	}

	n := colons + 1
	fields := strings.Fields(left)
	if len(fields) != 2*n+1 {
		return gitFile{}, fmt.Errorf("action row %q has %d fields, want %d", line, len(fields), 2*n+1)
	}

	file := gitFile{
		Modes:    fields[:n],
		Indexes:  fields[n : 2*n],
		Action:   fields[2*n],
		Combined: colons > 1,
	}
	names := strings.Split(paths, "\t")
	file.File = names[0]
	if len(names) > 1 {
		file.NewFile = names[1]
	}
	return file, nil
}
