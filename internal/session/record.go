// Package session persists session records as flat key=value admin files.
//
// Each session owns one file named <user>.<group>.<pid>. Live sessions sit in
// the active area; on teardown the file is renamed into the terminated area,
// where it stays until the retention window expires.
package session

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"yqhp/session-manager/pkg/types"
)

// Admin file keys, in the order they are written.
const (
	keyPID         = "pid"
	keyID          = "id"
	keySrvType     = "srvType"
	keyStatus      = "status"
	keyUser        = "user"
	keyGroup       = "group"
	keyUnixPath    = "unixpath"
	keyTag         = "tag"
	keyAlias       = "alias"
	keyLogFile     = "logfile"
	keyOrdinal     = "ordinal"
	keyUserEnvs    = "userenvs"
	keyRuntimeTag  = "ROOTtag"
	keyAdminPath   = "adminpath"
	keySrvProtVers = "srvprotvers"
	keyLastAccess  = "lastAccess"
	keyWorkers     = "workers"
)

var valueEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func escape(s string) string {
	return valueEscaper.Replace(s)
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("dangling escape at end of value")
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ',':
			b.WriteByte(',')
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

// joinList escapes each item, commas included, and joins them with ','.
func joinList(items []string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = strings.ReplaceAll(escape(it), ",", `\,`)
	}
	return strings.Join(parts, ",")
}

// splitList splits a raw list value on the commas that are not escaped and
// unescapes every item.
func splitList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var (
		out   []string
		start int
	)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\\':
			i++
		case ',':
			item, err := unescape(raw[start:i])
			if err != nil {
				return nil, err
			}
			out = append(out, item)
			start = i + 1
		}
	}
	item, err := unescape(raw[start:])
	if err != nil {
		return nil, err
	}
	return append(out, item), nil
}

// Marshal renders rec in admin file format. Every key is written, empty or not.
func Marshal(rec *types.SessionRecord) []byte {
	var buf bytes.Buffer
	putRaw := func(k, v string) {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	put := func(k, v string) { putRaw(k, escape(v)) }

	put(keyPID, strconv.Itoa(rec.PID))
	put(keyID, strconv.Itoa(rec.ID))
	put(keySrvType, rec.SrvType)
	put(keyStatus, string(rec.Status))
	put(keyUser, rec.User)
	put(keyGroup, rec.Group)
	put(keyUnixPath, rec.UnixPath)
	put(keyTag, rec.Tag)
	put(keyAlias, rec.Alias)
	put(keyLogFile, rec.LogFile)
	put(keyOrdinal, rec.Ordinal)
	put(keyUserEnvs, rec.UserEnvs)
	put(keyRuntimeTag, rec.RuntimeTag)
	put(keyAdminPath, rec.AdminPath)
	put(keySrvProtVers, strconv.Itoa(rec.ProtocolVersion))
	if rec.LastAccess.IsZero() {
		put(keyLastAccess, "")
	} else {
		put(keyLastAccess, strconv.FormatInt(rec.LastAccess.UnixNano(), 10))
	}
	putRaw(keyWorkers, joinList(rec.Workers))

	for _, k := range sortedKeys(rec.Extra) {
		put(k, rec.Extra[k])
	}
	return buf.Bytes()
}

// Unmarshal parses an admin file. Unknown keys are kept in Extra; blank lines
// and lines starting with '#' are ignored.
func Unmarshal(data []byte) (*types.SessionRecord, error) {
	rec := &types.SessionRecord{}
	seenPID := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Text()
		if strings.TrimSpace(raw) == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		key, rawValue, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected key=value", line)
		}
		if key == keyWorkers {
			workers, err := splitList(rawValue)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, key, err)
			}
			rec.Workers = workers
			continue
		}
		value, err := unescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if err := setField(rec, key, value); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, key, err)
		}
		if key == keyPID {
			seenPID = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !seenPID {
		return nil, fmt.Errorf("missing %s", keyPID)
	}
	return rec, nil
}

func setField(rec *types.SessionRecord, key, value string) error {
	var err error
	switch key {
	case keyPID:
		rec.PID, err = strconv.Atoi(value)
	case keyID:
		rec.ID, err = atoiOrZero(value)
	case keySrvType:
		rec.SrvType = value
	case keyStatus:
		rec.Status = types.SessionStatus(value)
		if value != "" && !rec.Status.Valid() {
			err = fmt.Errorf("unknown status %q", value)
		}
	case keyUser:
		rec.User = value
	case keyGroup:
		rec.Group = value
	case keyUnixPath:
		rec.UnixPath = value
	case keyTag:
		rec.Tag = value
	case keyAlias:
		rec.Alias = value
	case keyLogFile:
		rec.LogFile = value
	case keyOrdinal:
		rec.Ordinal = value
	case keyUserEnvs:
		rec.UserEnvs = value
	case keyRuntimeTag:
		rec.RuntimeTag = value
	case keyAdminPath:
		rec.AdminPath = value
	case keySrvProtVers:
		rec.ProtocolVersion, err = atoiOrZero(value)
	case keyLastAccess:
		if value == "" {
			rec.LastAccess = time.Time{}
			break
		}
		var ns int64
		ns, err = strconv.ParseInt(value, 10, 64)
		if err == nil {
			rec.LastAccess = time.Unix(0, ns)
		}
	default:
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[key] = value
	}
	return err
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
