package executor

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"taskbroker/pkg/wire"
)

// attachmentMaxRetries bounds how many times MaterializeAttachments retries
// a single attachment write before reporting it as failed.
const attachmentMaxRetries = 3

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// TaskAttachmentDir builds the task-scoped directory attachments are
// written into, prefixed with the last 8 characters of taskID so sibling
// tasks (and retried resubmits) never collide on disk.
func TaskAttachmentDir(baseDir, taskID string) string {
	suffix := taskID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return filepath.Join(baseDir, fmt.Sprintf("task-%s", suffix))
}

// MaterializeAttachments decodes and writes each attachment into dir,
// sanitizing its filename, retrying transient failures with exponential
// backoff, and reporting a per-attachment outcome regardless of whether it
// ultimately succeeded. Writes are atomic: each attachment is written to a
// temp file in dir and renamed into place, so a reader never observes a
// partially-written file.
func MaterializeAttachments(dir string, attachments []wire.Attachment) ([]string, []wire.AttachmentResult) {
	if len(attachments) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		results := make([]wire.AttachmentResult, len(attachments))
		for i, a := range attachments {
			results[i] = wire.AttachmentResult{Name: a.Name, Success: false, Error: fmt.Sprintf("create attachment dir: %v", err)}
		}
		return nil, results
	}

	var saved []string
	results := make([]wire.AttachmentResult, 0, len(attachments))
	for _, a := range attachments {
		path, retries, err := materializeOne(dir, a)
		if err != nil {
			results = append(results, wire.AttachmentResult{Name: a.Name, Success: false, Retries: retries, Error: err.Error()})
			continue
		}
		saved = append(saved, path)
		results = append(results, wire.AttachmentResult{Name: a.Name, Success: true, Retries: retries, SavedPath: path})
	}
	return saved, results
}

func materializeOne(dir string, a wire.Attachment) (string, int, error) {
	safeName := sanitizeFilename(a.Name)
	dest := filepath.Join(dir, safeName)

	data, err := base64.StdEncoding.DecodeString(a.Base64)
	if err != nil {
		return "", 0, fmt.Errorf("decode %s: %w", a.Name, err)
	}

	delay := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < attachmentMaxRetries; attempt++ {
		if err := writeAtomic(dest, data); err != nil {
			lastErr = err
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return dest, attempt, nil
	}
	return "", attachmentMaxRetries, fmt.Errorf("write %s after %d attempts: %w", a.Name, attachmentMaxRetries, lastErr)
}

// writeAtomic writes data to a temp file beside dest then renames it into
// place, so a concurrent reader never sees a half-written attachment.
func writeAtomic(dest string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%d", dest, rand.Int63())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	clean := unsafeNameChars.ReplaceAllString(base, "_")
	if clean == "" {
		clean = "attachment"
	}
	return clean
}

// PromptWithAttachments augments prompt with the list of locally saved
// attachment paths, so the invocation can reference them directly.
func PromptWithAttachments(prompt string, savedPaths []string) string {
	if len(savedPaths) == 0 {
		return prompt
	}
	out := prompt + "\n\nAttached files saved locally:\n"
	for _, p := range savedPaths {
		out += fmt.Sprintf("- %s\n", p)
	}
	return out
}
