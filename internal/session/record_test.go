package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/session-manager/pkg/types"
)

func sampleRecord() *types.SessionRecord {
	return &types.SessionRecord{
		PID:             4242,
		ID:              3,
		SrvType:         "top",
		Status:          types.SessionStatusRunning,
		User:            "alice",
		Group:           "physics",
		UnixPath:        "/tmp/alice/sock",
		Tag:             "alice-3-4242",
		Alias:           "my analysis",
		LogFile:         "/var/log/alice.log",
		Ordinal:         "0",
		UserEnvs:        "A=1\nB=2",
		RuntimeTag:      "v6.30",
		AdminPath:       "/var/run/sessmgr/activesessions/alice.physics.4242",
		ProtocolVersion: 38,
		Workers:         []string{"master", "w1", "w2"},
		LastAccess:      time.Unix(0, 1700000000123456789),
	}
}

func TestMarshalFormat(t *testing.T) {
	data := string(Marshal(sampleRecord()))

	lines := strings.Split(strings.TrimSuffix(data, "\n"), "\n")
	assert.Equal(t, "pid=4242", lines[0])
	assert.Contains(t, lines, "srvType=top")
	assert.Contains(t, lines, "ROOTtag=v6.30")
	assert.Contains(t, lines, "srvprotvers=38")
	assert.Contains(t, lines, `userenvs=A=1\nB=2`)
	assert.Contains(t, lines, "lastAccess=1700000000123456789")
	assert.Contains(t, lines, "workers=master,w1,w2")
}

func TestRoundTrip(t *testing.T) {
	rec := sampleRecord()
	got, err := Unmarshal(Marshal(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRoundTripEmptyOptionalFields(t *testing.T) {
	rec := &types.SessionRecord{PID: 7, User: "bob", Group: "default", Status: types.SessionStatusStarting}
	got, err := Unmarshal(Marshal(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.True(t, got.LastAccess.IsZero())
	assert.Nil(t, got.Workers)
}

func TestUnmarshalExtraKeysPreserved(t *testing.T) {
	data := "pid=9\n# comment\n\nuser=carol\nqueue=fifo\n"
	rec, err := Unmarshal([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "carol", rec.User)
	assert.Equal(t, map[string]string{"queue": "fifo"}, rec.Extra)

	again, err := Unmarshal(Marshal(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func TestWorkerListEscaping(t *testing.T) {
	rec := sampleRecord()
	rec.Workers = []string{"master", "rack1,node2", `c:\scratch`, "x,"}

	data := string(Marshal(rec))
	assert.Contains(t, data, `workers=master,rack1\,node2,c:\\scratch,x\,`+"\n")

	got, err := Unmarshal([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, rec.Workers, got.Workers)

	_, err = Unmarshal([]byte("pid=1\nworkers=a,b\\q\n"))
	assert.Error(t, err)
}

func TestUnmarshalErrors(t *testing.T) {
	for name, data := range map[string]string{
		"missing pid":     "user=alice\n",
		"bad pid":         "pid=abc\n",
		"no separator":    "pid=1\njunk\n",
		"bad status":      "pid=1\nstatus=zombie\n",
		"bad escape":      "pid=1\nalias=a\\qb\n",
		"dangling escape": "pid=1\nalias=ab\\\n",
		"bad lastAccess":  "pid=1\nlastAccess=yesterday\n",
	} {
		_, err := Unmarshal([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestEscapeUnescape(t *testing.T) {
	for _, s := range []string{"", "plain", `back\slash`, "multi\nline\r\n", `\n literal`} {
		got, err := unescape(escape(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.NotContains(t, escape(s), "\n")
	}
}

// TestRecordRoundTripRapid: Unmarshal(Marshal(r)) == r for arbitrary records.
func TestRecordRoundTripRapid(t *testing.T) {
	text := rapid.String()
	name := rapid.StringMatching(`[a-z][a-z0-9_-]{0,11}`)
	workerName := rapid.StringMatching(`[a-z][a-z0-9,\\:. -]{0,11}`)

	rapid.Check(t, func(t *rapid.T) {
		rec := &types.SessionRecord{
			PID:             rapid.IntRange(1, 1<<22).Draw(t, "pid"),
			ID:              rapid.IntRange(0, 10000).Draw(t, "id"),
			SrvType:         text.Draw(t, "srvType"),
			Status:          rapid.SampledFrom([]types.SessionStatus{types.SessionStatusStarting, types.SessionStatusRunning, types.SessionStatusIdle, types.SessionStatusShuttingDown, types.SessionStatusTerminated}).Draw(t, "status"),
			User:            name.Draw(t, "user"),
			Group:           name.Draw(t, "group"),
			UnixPath:        text.Draw(t, "unixpath"),
			Tag:             text.Draw(t, "tag"),
			Alias:           text.Draw(t, "alias"),
			LogFile:         text.Draw(t, "logfile"),
			Ordinal:         text.Draw(t, "ordinal"),
			UserEnvs:        text.Draw(t, "userenvs"),
			RuntimeTag:      text.Draw(t, "roottag"),
			AdminPath:       text.Draw(t, "adminpath"),
			ProtocolVersion: rapid.IntRange(0, 100).Draw(t, "srvprotvers"),
		}
		if rapid.Bool().Draw(t, "hasAccess") {
			rec.LastAccess = time.Unix(0, rapid.Int64Range(1, 1<<62).Draw(t, "lastAccess"))
		}
		if rapid.Bool().Draw(t, "hasWorkers") {
			rec.Workers = rapid.SliceOfN(workerName, 1, 8).Draw(t, "workers")
		}

		got, err := Unmarshal(Marshal(rec))
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !assert.ObjectsAreEqual(rec, got) {
			t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", rec, got)
		}
	})
}
