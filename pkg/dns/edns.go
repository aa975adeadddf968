package dns

import (
	"github.com/miekg/dns"
)

// EDNS0 buffer size bounds. RFC 6891 recommends 4096 bytes as a safe
// default; anything below 512 is clamped up.
const (
	DefaultEDNSBufferSize = 4096
	MaxEDNSBufferSize     = 4096
	MinEDNSBufferSize     = 512
)

// EDNSInfo holds EDNS0 information from a DNS request
type EDNSInfo struct {
	Present    bool
	Version    uint8
	BufferSize uint16
	DO         bool
}

// GetEDNSInfo extracts EDNS0 information from a DNS request
func GetEDNSInfo(req *dns.Msg) *EDNSInfo {
	info := &EDNSInfo{}
	if req == nil {
		return info
	}

	if opt := req.IsEdns0(); opt != nil {
		info.Present = true
		info.Version = opt.Version()
		info.BufferSize = opt.UDPSize()
		info.DO = opt.Do()
	}

	return info
}

// SetEDNS0 adds an OPT record to the response when the request carried one
// and the response does not already have its own.
func SetEDNS0(resp *dns.Msg, reqInfo *EDNSInfo) {
	if resp == nil || reqInfo == nil || !reqInfo.Present {
		return
	}

	if resp.IsEdns0() != nil {
		return
	}

	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}

	// SetUDPSize stores the size in the Class field; do not set it manually.
	opt.SetUDPSize(negotiateBufferSize(reqInfo.BufferSize))

	if reqInfo.DO {
		opt.SetDo()
	}

	resp.Extra = append(resp.Extra, opt)
}

func negotiateBufferSize(requested uint16) uint16 {
	if requested == 0 {
		return DefaultEDNSBufferSize
	}
	if requested < MinEDNSBufferSize {
		return MinEDNSBufferSize
	}
	if requested > MaxEDNSBufferSize {
		return MaxEDNSBufferSize
	}
	return requested
}

// HandleEDNS0 mirrors the request's EDNS0 settings onto the response
func HandleEDNS0(req *dns.Msg, resp *dns.Msg) {
	SetEDNS0(resp, GetEDNSInfo(req))
}
