package dnsmsg

import (
	"net"

	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/miekg/dns"
)

// httpsCloner holds the pools backing cheap deep clones of HTTPS resource
// records.
type httpsCloner struct {
	// Record-level pools.

	rr *syncutil.Pool[dns.HTTPS]

	// Pools for the SVCB key-value types.

	alpn      *syncutil.Pool[dns.SVCBAlpn]
	dohpath   *syncutil.Pool[dns.SVCBDoHPath]
	echconfig *syncutil.Pool[dns.SVCBECHConfig]
	ipv4hint  *syncutil.Pool[dns.SVCBIPv4Hint]
	ipv6hint  *syncutil.Pool[dns.SVCBIPv6Hint]
	local     *syncutil.Pool[dns.SVCBLocal]
	mandatory *syncutil.Pool[dns.SVCBMandatory]
	port      *syncutil.Pool[dns.SVCBPort]

	// Shared small-object pools.

	ip *syncutil.Pool[[16]byte]
}

// newHTTPSCloner returns a new properly initialized *httpsCloner.
func newHTTPSCloner() (c *httpsCloner) {
	return &httpsCloner{
		rr: syncutil.NewPool(func() (v *dns.HTTPS) {
			return &dns.HTTPS{}
		}),

		alpn: syncutil.NewPool(func() (v *dns.SVCBAlpn) {
			return &dns.SVCBAlpn{}
		}),
		dohpath: syncutil.NewPool(func() (v *dns.SVCBDoHPath) {
			return &dns.SVCBDoHPath{}
		}),
		echconfig: syncutil.NewPool(func() (v *dns.SVCBECHConfig) {
			return &dns.SVCBECHConfig{}
		}),
		ipv4hint: syncutil.NewPool(func() (v *dns.SVCBIPv4Hint) {
			return &dns.SVCBIPv4Hint{}
		}),
		ipv6hint: syncutil.NewPool(func() (v *dns.SVCBIPv6Hint) {
			return &dns.SVCBIPv6Hint{}
		}),
		local: syncutil.NewPool(func() (v *dns.SVCBLocal) {
			return &dns.SVCBLocal{}
		}),
		mandatory: syncutil.NewPool(func() (v *dns.SVCBMandatory) {
			return &dns.SVCBMandatory{}
		}),
		port: syncutil.NewPool(func() (v *dns.SVCBPort) {
			return &dns.SVCBPort{}
		}),

		ip: syncutil.NewPool(func() (v *[16]byte) {
			// Size for IPv6 so both hint kinds can share the pool.
			return &[16]byte{}
		}),
	}
}

// clone returns a deep clone of rr.  full is true when the clone was built
// from the pools without falling back to [dns.Copy].
func (c *httpsCloner) clone(rr *dns.HTTPS) (clone *dns.HTTPS, full bool) {
	if rr == nil {
		return nil, true
	}

	clone = c.rr.Get()

	clone.Hdr = rr.Hdr
	clone.Priority = rr.Priority
	clone.Target = rr.Target

	if rr.Value == nil {
		clone.Value = nil

		return clone, true
	}

	clone.Value = clone.Value[:0]
	for _, orig := range rr.Value {
		valClone := c.cloneKV(orig)
		if valClone == nil {
			// An SVCB key-value type this code does not know about yet.  Let
			// miekg/dns copy the whole record.
			return dns.Copy(rr).(*dns.HTTPS), false
		}

		clone.Value = append(clone.Value, valClone)
	}

	return clone, true
}

// cloneKV returns a deep clone of orig, or nil when the key-value type is
// unknown.
func (c *httpsCloner) cloneKV(orig dns.SVCBKeyValue) (clone dns.SVCBKeyValue) {
	switch orig := orig.(type) {
	case *dns.SVCBAlpn:
		v := c.alpn.Get()
		v.Alpn = appendIfNotNil(v.Alpn[:0], orig.Alpn)

		clone = v
	case *dns.SVCBDoHPath:
		v := c.dohpath.Get()
		*v = *orig

		clone = v
	case *dns.SVCBECHConfig:
		v := c.echconfig.Get()
		v.ECH = appendIfNotNil(v.ECH[:0], orig.ECH)

		clone = v
	case *dns.SVCBLocal:
		v := c.local.Get()
		v.KeyCode = orig.KeyCode
		v.Data = appendIfNotNil(v.Data[:0], orig.Data)

		clone = v
	case *dns.SVCBMandatory:
		v := c.mandatory.Get()
		v.Code = appendIfNotNil(v.Code[:0], orig.Code)

		clone = v
	case *dns.SVCBPort:
		v := c.port.Get()
		*v = *orig

		clone = v
	case
		*dns.SVCBNoDefaultAlpn,
		*dns.SVCBOhttp:
		// These [dns.SVCBKeyValue] types point at empty structures, so the
		// original value can be shared.
		clone = orig
	default:
		clone = c.cloneIfHint(orig)
	}

	// nil only for a key-value type newer than this code.
	return clone
}

// cloneIfHint deep-clones orig when it is an [dns.SVCBIPv4Hint] or
// [dns.SVCBIPv6Hint] and returns nil otherwise.
func (c *httpsCloner) cloneIfHint(orig dns.SVCBKeyValue) (clone dns.SVCBKeyValue) {
	switch orig := orig.(type) {
	case *dns.SVCBIPv4Hint:
		v := c.ipv4hint.Get()
		v.Hint = c.appendIPs(v.Hint[:0], orig.Hint)

		return v
	case *dns.SVCBIPv6Hint:
		v := c.ipv6hint.Get()
		v.Hint = c.appendIPs(v.Hint[:0], orig.Hint)

		return v
	default:
		return nil
	}
}

// appendIPs appends clones of the addresses in orig to hints.  The clones
// share one contiguous backing slice.
func (c *httpsCloner) appendIPs(hints, orig []net.IP) (clone []net.IP) {
	if len(orig) == 0 {
		if orig == nil {
			return nil
		}

		return []net.IP{}
	}

	for _, origIP := range orig {
		ipArr := c.ip.Get()
		ip := append(ipArr[:0], origIP...)
		hints = append(hints, ip)
	}

	return hints
}

// put releases the parts of rr back into c's pools.
func (c *httpsCloner) put(rr *dns.HTTPS) {
	if rr == nil {
		return
	}

	for _, kv := range rr.Value {
		c.putKV(kv)
	}

	c.rr.Put(rr)
}

// putKV releases the parts of kv back into c's pools.
func (c *httpsCloner) putKV(kv dns.SVCBKeyValue) {
	switch kv := kv.(type) {
	case *dns.SVCBAlpn:
		c.alpn.Put(kv)
	case *dns.SVCBDoHPath:
		c.dohpath.Put(kv)
	case *dns.SVCBECHConfig:
		c.echconfig.Put(kv)
	case *dns.SVCBIPv4Hint:
		c.putIPs(kv.Hint)
		c.ipv4hint.Put(kv)
	case *dns.SVCBIPv6Hint:
		c.putIPs(kv.Hint)
		c.ipv6hint.Put(kv)
	case *dns.SVCBLocal:
		c.local.Put(kv)
	case *dns.SVCBMandatory:
		c.mandatory.Put(kv)
	case *dns.SVCBPort:
		c.port.Put(kv)
	case
		*dns.SVCBNoDefaultAlpn,
		*dns.SVCBOhttp:
		// Shared empty structures, see [httpsCloner.cloneKV].
	default:
		// Unknown key-value type, nothing pooled to release.
	}
}

// putIPs releases the backing arrays of ips into c when they fit the pool.
func (c *httpsCloner) putIPs(ips []net.IP) {
	for _, ip := range ips {
		if cap(ip) >= 16 {
			c.ip.Put((*[16]byte)(ip[:16]))
		}
	}
}
