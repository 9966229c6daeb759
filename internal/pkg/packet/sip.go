package packet

import (
	"strconv"
	"strings"

	"github.com/endorses/sipscope/internal/pkg/logger"
)

// maxSipMessageSize bounds parsing work on hostile input.
const maxSipMessageSize = 65536

// SIPRecord is a successfully parsed SIP request or response.
type SIPRecord struct {
	IsRequest  bool
	Method     string
	Code       int
	Reason     string
	RequestURI string

	CallID     string
	From       string
	To         string
	FromUser   string
	ToUser     string
	FromTag    string
	ToTag      string
	CSeq       uint32
	CSeqMethod string

	ContentType   string
	ContentLength int

	// ReferencedCallID is the Call-ID named by a Replaces header or a
	// Refer-To's embedded Replaces parameter. Storage uses it to link
	// attended-transfer peers.
	ReferencedCallID string

	// Payload is the complete SIP message text; Body the part after the
	// header terminator.
	Payload []byte
	Body    []byte
}

var sipMethods = []string{
	"INVITE", "REGISTER", "ACK", "BYE", "CANCEL", "OPTIONS",
	"REFER", "NOTIFY", "SUBSCRIBE", "UPDATE", "PRACK", "INFO",
	"MESSAGE", "PUBLISH",
}

// sipCompactHeaders maps RFC 3261 compact header names to their full form.
var sipCompactHeaders = map[string]string{
	"i": "call-id",
	"f": "from",
	"t": "to",
	"v": "via",
	"m": "contact",
	"l": "content-length",
	"c": "content-type",
	"s": "subject",
	"k": "supported",
	"r": "refer-to",
	"b": "referred-by",
	"e": "content-encoding",
	"o": "event",
	"u": "allow-events",
}

// looksLikeSIP reports whether data starts with a SIP request or response
// line. Used by the UDP branch selector before committing to a full parse.
func looksLikeSIP(data []byte) bool {
	end := len(data)
	if end > 128 {
		end = 128
	}
	line := string(data[:end])
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	if strings.HasPrefix(line, "SIP/2.0 ") {
		return true
	}
	if !strings.HasSuffix(line, " SIP/2.0") {
		return false
	}
	for _, m := range sipMethods {
		if strings.HasPrefix(line, m+" ") {
			return true
		}
	}
	return false
}

// dissectSIP parses a SIP message and attaches the record. Malformed
// messages yield nil with no record attached; the body is returned for the
// SDP dissector when the content type announces it.
func (c *Chain) dissectSIP(pkt *Packet, data []byte) []byte {
	if len(data) > maxSipMessageSize {
		logger.Debug("sip message too large, truncating", "size", len(data))
		data = data[:maxSipMessageSize]
	}
	if !looksLikeSIP(data) {
		return nil
	}

	text := string(data)
	headerEnd := strings.Index(text, "\r\n\r\n")
	sep := 4
	if headerEnd < 0 {
		headerEnd = strings.Index(text, "\n\n")
		sep = 2
	}
	if headerEnd < 0 {
		headerEnd = len(text)
		sep = 0
	}

	headerLines := strings.Split(text[:headerEnd], "\n")
	rec := &SIPRecord{Payload: data}
	if !parseStartLine(rec, strings.TrimRight(headerLines[0], "\r")) {
		c.counters.SIPErrors++
		return nil
	}

	for _, line := range headerLines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if full, exists := sipCompactHeaders[key]; exists {
			key = full
		}
		value = strings.TrimSpace(value)

		switch key {
		case "call-id":
			rec.CallID = value
		case "from":
			rec.From = value
			rec.FromUser = uriUser(value)
			rec.FromTag = headerParam(value, "tag")
		case "to":
			rec.To = value
			rec.ToUser = uriUser(value)
			rec.ToTag = headerParam(value, "tag")
		case "cseq":
			num, method, _ := strings.Cut(value, " ")
			if n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 32); err == nil {
				rec.CSeq = uint32(n)
			}
			rec.CSeqMethod = strings.TrimSpace(method)
		case "content-type":
			rec.ContentType = value
		case "content-length":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				rec.ContentLength = n
			}
		case "replaces":
			rec.ReferencedCallID = replacesCallID(value)
		case "refer-to":
			if rec.ReferencedCallID == "" {
				rec.ReferencedCallID = referToCallID(value)
			}
		}
	}

	if rec.CallID == "" {
		c.counters.SIPErrors++
		return nil
	}

	body := []byte(nil)
	if headerEnd+sep < len(text) {
		body = data[headerEnd+sep:]
		if rec.ContentLength > 0 && rec.ContentLength < len(body) {
			body = body[:rec.ContentLength]
		}
	}
	rec.Body = body
	pkt.SIP = rec

	if len(body) > 0 && strings.Contains(strings.ToLower(rec.ContentType), "application/sdp") {
		return body
	}
	return nil
}

func parseStartLine(rec *SIPRecord, line string) bool {
	if rest, ok := strings.CutPrefix(line, "SIP/2.0 "); ok {
		codeStr, reason, _ := strings.Cut(rest, " ")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 699 {
			return false
		}
		rec.Code = code
		rec.Reason = reason
		return true
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[2] != "SIP/2.0" {
		return false
	}
	rec.IsRequest = true
	rec.Method = parts[0]
	rec.RequestURI = parts[1]
	return true
}

// uriUser extracts the user part of a From/To header value:
// `"Alice" <sip:alice@host;x=y>;tag=..` yields `alice`.
func uriUser(value string) string {
	uri := value
	if start := strings.Index(uri, "<"); start >= 0 {
		uri = uri[start+1:]
		if end := strings.Index(uri, ">"); end >= 0 {
			uri = uri[:end]
		}
	}
	if rest, ok := strings.CutPrefix(uri, "sip:"); ok {
		uri = rest
	} else if rest, ok := strings.CutPrefix(uri, "sips:"); ok {
		uri = rest
	}
	if at := strings.Index(uri, "@"); at >= 0 {
		return uri[:at]
	}
	// No user part: return the host without parameters
	if semi := strings.IndexAny(uri, ";?"); semi >= 0 {
		uri = uri[:semi]
	}
	return uri
}

// headerParam extracts a ;name=value parameter from a header value.
func headerParam(value, name string) string {
	lower := strings.ToLower(value)
	needle := ";" + name + "="
	idx := strings.Index(lower, needle)
	if idx < 0 {
		return ""
	}
	rest := value[idx+len(needle):]
	if end := strings.IndexAny(rest, ";> \t"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

// replacesCallID returns the dialog identifier of a Replaces header:
// `Replaces: callid;to-tag=..;from-tag=..`.
func replacesCallID(value string) string {
	id, _, _ := strings.Cut(value, ";")
	return strings.TrimSpace(id)
}

// referToCallID digs the Replaces parameter out of a Refer-To URI, where it
// arrives percent-escaped: `<sip:bob@host?Replaces=callid%3Bto-tag...>`.
func referToCallID(value string) string {
	lower := strings.ToLower(value)
	idx := strings.Index(lower, "replaces=")
	if idx < 0 {
		return ""
	}
	rest := value[idx+len("replaces="):]
	if end := strings.IndexAny(rest, ">&"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.ReplaceAll(rest, "%3B", ";")
	rest = strings.ReplaceAll(rest, "%3b", ";")
	rest = strings.ReplaceAll(rest, "%40", "@")
	id, _, _ := strings.Cut(rest, ";")
	return strings.TrimSpace(id)
}
