package dns

import (
	"net"

	"blackhole-dns/pkg/config"

	"github.com/miekg/dns"
)

// blockedTTL is the TTL on synthesized block answers, kept short so a rule
// removal takes effect on clients quickly.
const blockedTTL = 300

func addARecord(msg *dns.Msg, domain string, ip net.IP, ttl uint32) {
	if ip == nil || ip.To4() == nil {
		return
	}
	rr := &dns.A{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.To4(),
	}
	msg.Answer = append(msg.Answer, rr)
}

func addAAAARecord(msg *dns.Msg, domain string, ip net.IP, ttl uint32) {
	if ip == nil || ip.To16() == nil || ip.To4() != nil {
		return
	}
	rr := &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: ip.To16(),
	}
	msg.Answer = append(msg.Answer, rr)
}

// blockedResponse synthesizes the response for a blocked query. In
// empty-answer mode it is NOERROR with no records; in sinkhole mode A and
// AAAA questions get the sinkhole address and everything else falls back to
// an empty answer.
func blockedResponse(r *dns.Msg, mode string, sinkhole net.IP) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true
	msg.RecursionAvailable = true

	if mode != config.BlockModeSinkhole || len(r.Question) == 0 {
		return msg
	}

	question := r.Question[0]
	switch question.Qtype {
	case dns.TypeA:
		if v4 := sinkhole.To4(); v4 != nil {
			addARecord(msg, question.Name, v4, blockedTTL)
		}
	case dns.TypeAAAA:
		// A v4 sinkhole cannot answer AAAA; those queries get the
		// empty answer instead.
		addAAAARecord(msg, question.Name, sinkhole, blockedTTL)
	}

	return msg
}
