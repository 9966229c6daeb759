package packet

import (
	"strconv"
	"strings"
)

// SDPMediaType classifies an m= line.
type SDPMediaType uint8

const (
	SDPMediaUnknown SDPMediaType = iota
	SDPMediaAudio
	SDPMediaVideo
	SDPMediaText
	SDPMediaApplication
	SDPMediaMessage
	SDPMediaImage
)

var sdpMediaTypes = map[string]SDPMediaType{
	"audio":       SDPMediaAudio,
	"video":       SDPMediaVideo,
	"text":        SDPMediaText,
	"application": SDPMediaApplication,
	"message":     SDPMediaMessage,
	"image":       SDPMediaImage,
}

func (t SDPMediaType) String() string {
	for name, mt := range sdpMediaTypes {
		if mt == t {
			return name
		}
	}
	return "unknown"
}

// SDPFormat maps an RTP payload-type code to its encoding name. Codes
// without an rtpmap attribute and outside the static table keep an empty
// name so later RTP frames still match by id.
type SDPFormat struct {
	Code  uint32
	Name  string
	Alias string
}

// Static payload types from the IANA RTP parameters registry and
// RFC 3551 section 6.
var sdpStandardFormats = []SDPFormat{
	{0, "PCMU/8000", "g711u"},
	{3, "GSM/8000", "gsm"},
	{4, "G723/8000", "g723"},
	{5, "DVI4/8000", "dvi"},
	{6, "DVI4/16000", "dvi"},
	{7, "LPC/8000", "lpc"},
	{8, "PCMA/8000", "g711a"},
	{9, "G722/8000", "g722"},
	{10, "L16/44100", "l16"},
	{11, "L16/44100", "l16"},
	{12, "QCELP/8000", "qcelp"},
	{13, "CN/8000", "cn"},
	{14, "MPA/90000", "mpa"},
	{15, "G728/8000", "g728"},
	{16, "DVI4/11025", "dvi"},
	{17, "DVI4/22050", "dvi"},
	{18, "G729/8000", "g729"},
	{25, "CelB/90000", "celb"},
	{26, "JPEG/90000", "jpeg"},
	{28, "nv/90000", "nv"},
	{31, "H261/90000", "h261"},
	{32, "MPV/90000", "mpv"},
	{33, "MP2T/90000", "mp2t"},
	{34, "H263/90000", "h263"},
}

func sdpStandardFormat(code uint32) (SDPFormat, bool) {
	for _, f := range sdpStandardFormats {
		if f.Code == code {
			return f, true
		}
	}
	return SDPFormat{}, false
}

// SDPMedia is one media descriptor opened by an m= line.
type SDPMedia struct {
	Type      SDPMediaType
	Address   Address
	RTPPort   uint16
	RTCPPort  uint16
	Transport string
	Channel   string
	Formats   []SDPFormat
}

// FirstFormat returns the preferred codec label for display.
func (m *SDPMedia) FirstFormat() string {
	if len(m.Formats) == 0 {
		return ""
	}
	if m.Formats[0].Name != "" {
		return m.Formats[0].Name
	}
	return strconv.FormatUint(uint64(m.Formats[0].Code), 10)
}

// SDPRecord is the parsed session description attached to a SIP message.
type SDPRecord struct {
	SessionAddress string
	Medias         []*SDPMedia
}

// dissectSDP parses a session description line by line, keyed on the
// leading character. c= sets the session or current-media connection
// address, m= opens a new media descriptor, a= fills rtpmap/rtcp/channel
// attributes of the current media. The dissector is terminal.
func (c *Chain) dissectSDP(pkt *Packet, data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	sdp := &SDPRecord{}
	var media *SDPMedia

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'c':
			sdpConnection(sdp, media, value)
		case 'm':
			if m := sdpMedia(sdp, value); m != nil {
				media = m
				sdp.Medias = append(sdp.Medias, m)
			}
		case 'a':
			if media != nil {
				sdpAttribute(media, value)
			}
		}
	}

	pkt.SDP = sdp
	return nil
}

// sdpConnection handles `c=<nettype> <addrtype> <connection-address>`.
func sdpConnection(sdp *SDPRecord, media *SDPMedia, value string) {
	fields := strings.SplitN(value, " ", 3)
	if len(fields) < 3 {
		return
	}
	addr := fields[2]
	// Strip TTL / count suffixes of multicast addresses
	if slash := strings.Index(addr, "/"); slash >= 0 {
		addr = addr[:slash]
	}
	if media == nil {
		sdp.SessionAddress = addr
	} else {
		media.Address = NewAddress(addr, media.RTPPort, TransportUDP)
	}
}

// sdpMedia handles `m=<media> <port> <proto> <fmt list>`.
func sdpMedia(sdp *SDPRecord, value string) *SDPMedia {
	fields := strings.SplitN(value, " ", 4)
	if len(fields) < 4 {
		return nil
	}
	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil
	}
	media := &SDPMedia{
		Type:      sdpMediaTypes[strings.ToLower(fields[0])],
		RTPPort:   uint16(port),
		Transport: fields[2],
	}
	if sdp.SessionAddress != "" {
		media.Address = NewAddress(sdp.SessionAddress, media.RTPPort, TransportUDP)
	}
	for _, fmtStr := range strings.Fields(fields[3]) {
		code, err := strconv.ParseUint(fmtStr, 10, 32)
		if err != nil {
			continue
		}
		format, known := sdpStandardFormat(uint32(code))
		if !known {
			format = SDPFormat{Code: uint32(code)}
		}
		media.Formats = append(media.Formats, format)
	}
	return media
}

// sdpAttribute handles `a=<name>:<value>` lines of the current media.
func sdpAttribute(media *SDPMedia, value string) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == ':' || r == '/'
	})
	if len(fields) < 2 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "rtpmap":
		if len(fields) < 3 {
			return
		}
		code, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return
		}
		name := fields[2]
		if len(fields) > 3 {
			name += "/" + fields[3]
		}
		for i := range media.Formats {
			if media.Formats[i].Code == uint32(code) && media.Formats[i].Name == "" {
				media.Formats[i].Name = name
				media.Formats[i].Alias = name
			}
		}
	case "rtcp":
		if port, err := strconv.ParseUint(fields[1], 10, 16); err == nil {
			media.RTCPPort = uint16(port)
		}
	case "channel":
		media.Channel = fields[1]
	}
}
