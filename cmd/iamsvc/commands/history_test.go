package commands

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/systmms/iamsvc/internal/journal"
)

func seedJournal(t *testing.T, ta *testApp) {
	t.Helper()

	store := journal.NewFileStorage(ta.Config.Definition.Journal.Dir, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []struct {
		account, op, status string
		failedStep          string
	}{
		{"1234567_testaccount", "onboard", journal.StatusSuccess, ""},
		{"1234567_testaccount", "grant_user", journal.StatusFailure, "write_principal"},
		{"1234567_builder", "offboard", journal.StatusPartialSuccess, "strip_principals"},
	}
	for i, e := range entries {
		entry := journal.NewEntry(e.account, e.op, "admin")
		entry.Timestamp = base.Add(time.Duration(i) * time.Hour)
		if e.failedStep != "" {
			entry.Step(e.failedStep, entry.Timestamp, assert.AnError)
		}
		entry.Finish(e.status, e.op)
		require.NoError(t, store.Save(entry))
	}
}

func TestHistoryCommand_Table(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	seedJournal(t, ta)

	require.NoError(t, execute(NewHistoryCommand(ta.App)))
	lines := strings.Split(strings.TrimSpace(ta.out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[2], "offboard")
	assert.Contains(t, lines[2], "strip_principals")
	assert.Contains(t, lines[4], "onboard")
	assert.Empty(t, ta.lifecycle.calls, "history reads the journal only")
}

func TestHistoryCommand_AccountAndStatus(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	seedJournal(t, ta)

	require.NoError(t, execute(NewHistoryCommand(ta.App),
		"--account", "1234567", "--user", "testaccount", "--status", "failure", "--format", "json"))

	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(ta.out.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "grant_user", entries[0].Operation)
	assert.Equal(t, []string{"write_principal"}, entries[0].FailedSteps())
}

func TestHistoryCommand_YAML(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	seedJournal(t, ta)

	require.NoError(t, execute(NewHistoryCommand(ta.App), "--format", "yaml", "--limit", "2"))
	var doc struct {
		Entries []map[string]interface{} `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(ta.out.Bytes(), &doc))
	assert.Len(t, doc.Entries, 2)
}

func TestHistoryCommand_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"account without user", []string{"--account", "1234567"}, "given together"},
		{"bad date", []string{"--since", "03/01/2026"}, "YYYY-MM-DD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ta := newTestApp(t)
			err := execute(NewHistoryCommand(ta.App), tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestHistoryCommand_Empty(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	require.NoError(t, execute(NewHistoryCommand(ta.App), "--status", "failure"))
	assert.Equal(t, "No operations recorded matching criteria\n", ta.out.String())
}
