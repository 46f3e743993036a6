// Package eventlog persists routed messages to per-channel JSONL files with
// a bounded retention count. Each agent has its own log; broadcasts are
// additionally recorded under the shared "broadcast" channel.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentbus/pkg/logx"
	"agentbus/pkg/proto"
)

// BroadcastChannel is the shared log that records every broadcast once,
// independent of its per-recipient copies.
const BroadcastChannel = "broadcast"

// Writer appends messages to per-channel JSONL files, truncating each file
// to the newest retention-count entries when it grows past the cap.
type Writer struct {
	logDir    string
	retention int

	mu     sync.Mutex
	counts map[string]int // Lines currently in each channel file
	logger *logx.Logger
}

// NewWriter creates a writer rooted at logDir. retention caps each channel
// at that many messages, oldest dropped first.
func NewWriter(logDir string, retention int) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention count must be positive, got %d", retention)
	}

	w := &Writer{
		logDir:    logDir,
		retention: retention,
		counts:    make(map[string]int),
		logger:    logx.NewLogger("eventlog"),
	}

	// Seed counts from files surviving a previous run.
	channels, err := listChannels(logDir)
	if err != nil {
		return nil, err
	}
	for _, channel := range channels {
		msgs, readErr := w.Read(channel)
		if readErr != nil {
			continue
		}
		w.counts[channel] = len(msgs)
	}

	return w, nil
}

// Append writes one message to the named channel, enforcing the retention
// cap afterwards.
func (w *Writer) Append(channel string, msg *proto.Message) error {
	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", msg.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.channelPath(channel)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open channel log %s: %w", path, err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write message to %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close channel log %s: %w", path, err)
	}

	w.counts[channel]++
	if w.counts[channel] > w.retention {
		if err := w.truncateLocked(channel); err != nil {
			return err
		}
	}
	return nil
}

// truncateLocked rewrites a channel file keeping only the newest retention
// entries. Caller holds w.mu.
func (w *Writer) truncateLocked(channel string) error {
	msgs, err := w.readLocked(channel)
	if err != nil {
		return err
	}
	if len(msgs) > w.retention {
		msgs = msgs[len(msgs)-w.retention:]
	}

	var sb strings.Builder
	for _, msg := range msgs {
		data, err := msg.ToJSON()
		if err != nil {
			continue
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}

	path := w.channelPath(channel)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write truncated log %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace channel log %s: %w", path, err)
	}

	w.counts[channel] = len(msgs)
	return nil
}

// Read returns the messages currently retained for a channel. Unparseable
// lines are skipped with a warning so one bad record never hides the rest.
func (w *Writer) Read(channel string) ([]*proto.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readLocked(channel)
}

func (w *Writer) readLocked(channel string) ([]*proto.Message, error) {
	data, err := os.ReadFile(w.channelPath(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read channel log %s: %w", channel, err)
	}

	var messages []*proto.Message
	skipped := 0
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		msg, err := proto.FromJSON([]byte(line))
		if err != nil {
			skipped++
			continue
		}
		messages = append(messages, msg)
	}
	if skipped > 0 {
		w.logger.Warn("Skipped %d unparseable records in channel %s", skipped, channel)
	}
	return messages, nil
}

// Channels returns the channel names that have log files on disk.
func (w *Writer) Channels() ([]string, error) {
	return listChannels(w.logDir)
}

func listChannels(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list channel logs: %w", err)
	}

	channels := make([]string, 0, len(files))
	for _, file := range files {
		base := filepath.Base(file)
		channels = append(channels, strings.TrimSuffix(base, ".jsonl"))
	}
	return channels, nil
}

// Remove deletes a channel's log file, used when an agent unregisters.
func (w *Writer) Remove(channel string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.counts, channel)
	err := os.Remove(w.channelPath(channel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove channel log %s: %w", channel, err)
	}
	return nil
}

func (w *Writer) channelPath(channel string) string {
	return filepath.Join(w.logDir, channel+".jsonl")
}
