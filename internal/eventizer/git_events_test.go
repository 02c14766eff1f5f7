package eventizer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

const gitTestOrigin = "http://example.com/"

func gitTestArgs(extra map[string]any) map[string]any {
	args := map[string]any{
		"uri":     gitTestOrigin,
		"gitpath": filepath.Join("testdata", "git_log.txt"),
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func fetchGitItems(t *testing.T, args map[string]any) []*Item {
	t.Helper()

	backend := &GitBackend{}
	iter, err := backend.Fetch(context.Background(), "commit", args)
	require.NoError(t, err)
	defer iter.Close()

	var items []*Item
	for iter.Next() {
		items = append(items, iter.Item())
	}
	require.NoError(t, iter.Err())
	return items
}

// wantGitEvents pins the id and type of every event the test log produces,
// in publication order. Ids are fingerprints of stable fields, so they must
// never change across runs or releases.
var wantGitEvents = []struct {
	id        string
	eventType string
}{
	// 456a68ee: merge of ce8e0b8 and 51a3b65
	{"2d85a883e0ef63ebf7fa40e372aed44834092592", gitEventMerge},
	{"048d4869b8051acb0196d207c032210a980a7da4", gitEventFileModified},
	{"08db95eaf93968579a681701f347d94455ba6574", gitEventFileReplaced},
	{"897e8e648ca4f08578ac07436b10a06f8d60e4a5", gitEventAuthoredBy},
	{"8b3a99166f4a8022fbaf8b05fd4b72938a487332", gitEventCommittedBy},

	// 51a3b654: modifies aaa/otherthing
	{"d7226f6c921128190f644fb659c61b3ef6360b91", gitEventCommit},
	{"c0fd3bbdcbebf0232b010166d132cafecf5943f8", gitEventFileModified},
	{"aa7d368678d181a1833da26e4bfd9c735e7bc211", gitEventAuthoredBy},
	{"a114769c4588f4be26ed7ae30607a98353061751", gitEventCommittedBy},

	// ce8e0b86: renames aaa/otherthing
	{"16c99217dc3185c760cc64985271e2d5b2fbbe39", gitEventCommit},
	{"d34572db2652b86d14e887aa6a469d32a1c1c705", gitEventFileReplaced},
	{"19efa5c21da45c94632a5681ce03fd152afa6c29", gitEventAuthoredBy},
	{"244824994e963ebfbe507ff11780c1878749b0ac", gitEventCommittedBy},

	// 589bb080: adds eee
	{"81df8221af2e63715ad3ff1f5fd41f9a1f2723e4", gitEventCommit},
	{"5814a95e819690914f39beff7671a9db15aa318b", gitEventFileAdded},
	{"c10d9226732e9f718f005c9af92bd63a23a203bb", gitEventAuthoredBy},
	{"7d199934b094511a3c033ca3ffaff3caf8aa62bb", gitEventCommittedBy},

	// c6ba8f7a: adds ddd/finalthing
	{"504a6e9e5ba7dad1b275489b775d45cc8d77a790", gitEventCommit},
	{"bb2012e4a54c60c7d91d628b6cd08bbca6a65ee8", gitEventFileAdded},
	{"e76fb1acc44ae49d685ce570941b0845317b95e0", gitEventAuthoredBy},
	{"b956cebb882d278060dc52bbb6a5f10480185363", gitEventCommittedBy},

	// c0d66f92: deletes bbb/bthing, renames bbb/something
	{"e8460b1df2147e217e12cfa7404191af589f62cb", gitEventCommit},
	{"93ea3e9c6b1f77f00894b1c361d7ee16a0490299", gitEventFileDeleted},
	{"52e52ed98daa1665af78f8fda9da1915ddb89649", gitEventFileReplaced},
	{"c2c2b778fa4ae7f7bce570b29b506c4c291a9318", gitEventAuthoredBy},
	{"e19fd010dc3bbd31673c2f7075eab4c9588928d2", gitEventCommittedBy},

	// 7debcf8a: adds ccc/newthing
	{"e5ff829d3f1bacf6a6d3e36cd996a1308351f9a5", gitEventCommit},
	{"6d55897230a1fe8e6cba9517ed520dc14baf6cef", gitEventFileAdded},
	{"d5ee352944d5f7b015ffb5891cec94547e3015f4", gitEventAuthoredBy},
	{"ebde018e3d492b84315b2296dc8501009ba750d3", gitEventCommittedBy},

	// 87783129: renames aaa/something
	{"caf05717b6c53143bd29a2140eb9c043aaefb255", gitEventCommit},
	{"7bbe861347f594692c9bb72c2bf0c95a8b252f69", gitEventFileReplaced},
	{"cfe5c30ef3711cbe1c10cd949d24f1f6062d3c8c", gitEventAuthoredBy},
	{"5982a89b69d4c177729638a03fd8642029a20c1e", gitEventCommittedBy},

	// bc57a920: initial commit with three files
	{"1375b60d3c23ac9b81da92523e4144abc4489d4c", gitEventCommit},
	{"48335db7cb8e6db4367ac2543d0c92deb2a655ce", gitEventFileAdded},
	{"fa4a64cb04f8c9fef6c0143d874e90e7c5f4f3fc", gitEventFileAdded},
	{"9e5000b81d4d9554587df37f81bf64de10b23ec8", gitEventFileAdded},
	{"0ca37c330d0b4b75171b15123299a07fcaf61070", gitEventAuthoredBy},
	{"4c2eb49bbfee27b05cbf0c8f4e83070a88b9aeeb", gitEventCommittedBy},
}

func assertGitEventSequence(t *testing.T, events []*model.Event) {
	t.Helper()

	require.Len(t, events, len(wantGitEvents))
	for i, want := range wantGitEvents {
		assert.Equal(t, want.id, events[i].ID, "event %d id", i)
		assert.Equal(t, want.eventType, events[i].Type, "event %d type", i)
		assert.Equal(t, gitTestOrigin, events[i].Source, "event %d source", i)
	}
}

func TestGitBackendEventizeSequence(t *testing.T) {
	backend := &GitBackend{}
	items := fetchGitItems(t, gitTestArgs(nil))
	require.Len(t, items, 9)

	var events []*model.Event
	for _, item := range items {
		converted, err := backend.Eventize(item)
		require.NoError(t, err)
		events = append(events, converted...)
	}
	assertGitEventSequence(t, events)
}

func TestGitBackendEventizeMergeEvent(t *testing.T) {
	backend := &GitBackend{}
	items := fetchGitItems(t, gitTestArgs(nil))

	events, err := backend.Eventize(items[0])
	require.NoError(t, err)
	require.Len(t, events, 5)

	merge := events[0]
	assert.Equal(t, gitEventMerge, merge.Type)
	assert.Equal(t, float64(1392185439), merge.Time)
	assert.Equal(t, "456a68ee1407a77f3e804a30dff245bb6c6b872f", merge.Data["commit"])
	assert.Equal(t, "ce8e0b8 51a3b65", merge.Data["Merge"])
	assert.Equal(t, []string{
		"ce8e0b86a1e9877f42fe9453ede418519115f367",
		"51a3b654f252210572297f47597b31527c475fb8",
	}, merge.Data["parents"])

	// The combined MR row yields one event per parent action, both named
	// after the surviving file.
	modified, replaced := events[1], events[2]
	assert.Equal(t, gitEventFileModified, modified.Type)
	assert.Equal(t, "M", modified.Data["action"])
	assert.Equal(t, "aaa/otherthing.renamed", modified.Data["file"])
	assert.Equal(t, gitEventFileReplaced, replaced.Type)
	assert.Equal(t, "R", replaced.Data["action"])
	assert.Equal(t, "aaa/otherthing.renamed", replaced.Data["file"])
}

func TestGitBackendEventizeRenameKeepsBothNames(t *testing.T) {
	backend := &GitBackend{}
	items := fetchGitItems(t, gitTestArgs(nil))

	events, err := backend.Eventize(items[2])
	require.NoError(t, err)
	require.Len(t, events, 4)

	replaced := events[1]
	assert.Equal(t, gitEventFileReplaced, replaced.Type)
	assert.Equal(t, "aaa/otherthing", replaced.Data["file"])
	assert.Equal(t, "aaa/otherthing.renamed", replaced.Data["newfile"])
	assert.Equal(t, "R100", replaced.Data["action"])
}

func TestGitBackendEventizeAuthorship(t *testing.T) {
	backend := &GitBackend{}
	items := fetchGitItems(t, gitTestArgs(nil))

	events, err := backend.Eventize(items[8])
	require.NoError(t, err)
	require.Len(t, events, 6)

	authored := events[4]
	assert.Equal(t, gitEventAuthoredBy, authored.Type)
	assert.Equal(t, "2769070fa473431f31d871928e6d0ddb08c59f22", authored.Data["identity"])
	assert.Equal(t, "Eduardo Morais", authored.Data["name"])
	assert.Equal(t, "companheiro.vermelho@example.com", authored.Data["email"])
	assert.Equal(t, "Tue Aug 14 14:30:13 2012 -0300", authored.Data["date"])

	committed := events[5]
	assert.Equal(t, gitEventCommittedBy, committed.Type)
	assert.Equal(t, authored.Data["identity"], committed.Data["identity"])
	assert.NotEqual(t, authored.ID, committed.ID)
}

func TestGitBackendEventizeRequiresGitItem(t *testing.T) {
	backend := &GitBackend{}
	_, err := backend.Eventize(&Item{UUID: "deadbeef"})
	assert.ErrorContains(t, err, "git commit")
}

func TestGitBackendItems(t *testing.T) {
	items := fetchGitItems(t, gitTestArgs(nil))
	require.Len(t, items, 9)

	newest := items[0]
	assert.Equal(t, "2d85a883e0ef63ebf7fa40e372aed44834092592", newest.UUID)
	assert.Equal(t, gitTestOrigin, newest.Origin)
	assert.Equal(t, "commit", newest.Category)
	assert.Equal(t, "456a68ee1407a77f3e804a30dff245bb6c6b872f", newest.Offset)
	assert.Equal(t, time.Date(2014, 2, 12, 6, 10, 39, 0, time.UTC), newest.UpdatedOn)
	assert.False(t, newest.Skipped)

	oldest := items[8]
	assert.Equal(t, "1375b60d3c23ac9b81da92523e4144abc4489d4c", oldest.UUID)
	assert.Equal(t, time.Date(2012, 8, 14, 17, 30, 13, 0, time.UTC), oldest.UpdatedOn)
}

func TestGitBackendFromDateMarksOlderItemsSkipped(t *testing.T) {
	items := fetchGitItems(t, gitTestArgs(map[string]any{"from_date": "2014-01-01"}))
	require.Len(t, items, 9)

	skipped := 0
	for i, item := range items {
		if item.Skipped {
			skipped++
		}
		if i < 3 {
			assert.False(t, item.Skipped, "item %d", i)
		} else {
			assert.True(t, item.Skipped, "item %d", i)
		}
	}
	assert.Equal(t, 6, skipped)
}

func TestGitBackendFetchValidation(t *testing.T) {
	backend := &GitBackend{}

	tests := []struct {
		name     string
		category string
		args     map[string]any
	}{
		{
			name:     "unsupported category",
			category: "pull_request",
			args:     gitTestArgs(nil),
		},
		{
			name:     "missing uri",
			category: "commit",
			args:     map[string]any{"gitpath": filepath.Join("testdata", "git_log.txt")},
		},
		{
			name:     "missing gitpath",
			category: "commit",
			args:     map[string]any{"uri": gitTestOrigin},
		},
		{
			name:     "bad from_date",
			category: "commit",
			args:     gitTestArgs(map[string]any{"from_date": "not-a-date"}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := backend.Fetch(context.Background(), tc.category, tc.args)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "want a validation error, got %v", err)
		})
	}
}

func TestGitBackendFetchMissingLog(t *testing.T) {
	backend := &GitBackend{}
	_, err := backend.Fetch(context.Background(), "commit",
		gitTestArgs(map[string]any{"gitpath": filepath.Join("testdata", "no_such_log.txt")}))
	require.Error(t, err)
	assert.False(t, apperrors.IsValidation(err))
}

func TestNewBackend(t *testing.T) {
	backend, err := NewBackend("git")
	require.NoError(t, err)
	assert.IsType(t, &GitBackend{}, backend)

	_, err = NewBackend("svn")
	require.Error(t, err)
	assert.True(t, apperrors.IsBackendNotFound(err))

	assert.Equal(t, []string{"git"}, BackendNames())
}

func TestIdentityFingerprint(t *testing.T) {
	assert.Equal(t, "2769070fa473431f31d871928e6d0ddb08c59f22",
		identityFingerprint("git", "companheiro.vermelho@example.com", "Eduardo Morais", ""))

	// Missing fields take a None placeholder before hashing.
	assert.Equal(t, "a9d071f167dbd1e8a643dbf14fe00cad9cfb5d6a",
		identityFingerprint("git", "", "", ""))

	// Case variations of the same signature collapse into one identity.
	assert.Equal(t,
		identityFingerprint("git", "Companheiro.Vermelho@example.com", "EDUARDO MORAIS", ""),
		identityFingerprint("git", "companheiro.vermelho@example.com", "Eduardo Morais", ""))
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		signature string
		name      string
		email     string
	}{
		{"Eduardo Morais <companheiro.vermelho@example.com>", "Eduardo Morais", "companheiro.vermelho@example.com"},
		{"Zhongpeng Lin (林中鹏) <lin.zhp@example.com>", "Zhongpeng Lin (林中鹏)", "lin.zhp@example.com"},
		{"No Email", "No Email", ""},
		{"<only@example.com>", "", "only@example.com"},
		{"", "", ""},
	}

	for _, tc := range tests {
		name, email := parseSignature(tc.signature)
		assert.Equal(t, tc.name, name, "signature %q", tc.signature)
		assert.Equal(t, tc.email, email, "signature %q", tc.signature)
	}
}
