package sanskrit

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCorrupt is returned when the append log contains an invalid record that
// is followed by further data. Only a damaged tail is repaired automatically.
var ErrCorrupt = errors.New("sanskrit: append log corrupt")

const (
	formatVersion       = 1
	formatVersionPrefix = "format version: "
	hashLength          = sha1.Size * 2
)

// record is one entry of the append log:
//
//	format version: 1
//	<timestamp>
//	<json encoded change>
//	<sha1 hash>
//	<empty line>
type record struct {
	timestamp string
	data      string
	hash      string
}

// computeHash chains the record to its predecessor. The first record in a
// file has no predecessor.
func computeHash(prevHash, timestamp, data string) string {
	h := sha1.New()
	if prevHash != "" {
		h.Write([]byte(prevHash))
		h.Write([]byte("\n\n"))
	}
	h.Write([]byte(timestamp))
	h.Write([]byte("\n"))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// encode renders the record in its on-disk form
func (r record) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(formatVersionPrefix)
	buf.WriteString(strconv.Itoa(formatVersion))
	buf.WriteByte('\n')
	buf.WriteString(r.timestamp)
	buf.WriteByte('\n')
	buf.WriteString(r.data)
	buf.WriteByte('\n')
	buf.WriteString(r.hash)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// parseResult is the outcome of scanning an append log
type parseResult struct {
	records  []record
	validLen int64 // byte length of the valid prefix
	lastHash string
}

// parseLog scans raw log data. Scanning stops at the first record that is
// incomplete or invalid. If anything but whitespace follows that point and
// the broken record is not the last one, the log is corrupt.
func parseLog(data []byte) (parseResult, error) {
	var res parseResult
	pos := 0

	for pos < len(data) {
		rec, next, err := parseRecord(data, pos, res.lastHash)
		if err != nil {
			if moreRecordsFollow(data, pos) {
				return res, fmt.Errorf("%w at offset %d: %v", ErrCorrupt, pos, err)
			}
			Logger.Warningf("discarding damaged tail of append log at offset %d: %v", pos, err)
			return res, nil
		}
		res.records = append(res.records, rec)
		res.lastHash = rec.hash
		pos = next
		res.validLen = int64(pos)
	}
	return res, nil
}

// parseRecord parses one record starting at pos and returns the offset after it
func parseRecord(data []byte, pos int, prevHash string) (record, int, error) {
	lines := make([]string, 0, 5)
	cur := pos
	for len(lines) < 5 {
		idx := bytes.IndexByte(data[cur:], '\n')
		if idx < 0 {
			return record{}, 0, fmt.Errorf("incomplete record")
		}
		lines = append(lines, string(data[cur:cur+idx]))
		cur += idx + 1
	}

	if !strings.HasPrefix(lines[0], formatVersionPrefix) {
		return record{}, 0, fmt.Errorf("missing format version header")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(lines[0], formatVersionPrefix))
	if err != nil || version != formatVersion {
		return record{}, 0, fmt.Errorf("unsupported format version %q", lines[0])
	}
	if lines[4] != "" {
		return record{}, 0, fmt.Errorf("missing record separator")
	}

	rec := record{timestamp: lines[1], data: lines[2], hash: lines[3]}
	if len(rec.hash) != hashLength {
		return record{}, 0, fmt.Errorf("invalid hash length %d", len(rec.hash))
	}
	if expected := computeHash(prevHash, rec.timestamp, rec.data); expected != rec.hash {
		return record{}, 0, fmt.Errorf("hash mismatch: expected %s, found %s", expected, rec.hash)
	}
	return rec, cur, nil
}

// moreRecordsFollow reports whether another record header exists after the
// record starting at pos
func moreRecordsFollow(data []byte, pos int) bool {
	rest := data[pos:]
	// skip the header of the damaged record itself
	if bytes.HasPrefix(rest, []byte(formatVersionPrefix)) {
		rest = rest[len(formatVersionPrefix):]
	}
	return bytes.Contains(rest, []byte("\n"+formatVersionPrefix))
}
