package call

import (
	"strconv"

	"google.golang.org/grpc/codes"

	"github.com/michael-berlin/grpc/consts"
	"github.com/michael-berlin/grpc/metadata"
)

// statusSource orders the origins a status can come from; earlier entries
// override later ones when the final status is materialized.
type statusSource uint8

const (
	statusFromAPIOverride statusSource = iota
	statusFromCore
	statusFromWire
	statusSourceCount
)

type receivedStatus struct {
	isSet   bool
	code    codes.Code
	details *metadata.String
}

func (c *Call) setStatusCode(source statusSource, code codes.Code) {
	c.status[source].isSet = true
	c.status[source].code = code

	// terminal status drops undelivered payloads so callers observe the
	// status instead of stale data
	var flush bool
	if c.isClient {
		flush = code == codes.Canceled
	} else {
		flush = code != codes.OK
	}
	if flush && !c.incomingQueue.Empty() {
		c.incomingQueue.Flush()
	}
}

func (c *Call) setStatusDetails(source statusSource, details *metadata.String) {
	c.status[source].details = details
}

func (c *Call) getFinalStatus(set func(codes.Code)) {
	for i := statusSource(0); i < statusSourceCount; i++ {
		if c.status[i].isSet {
			set(c.status[i].code)
			return
		}
	}
	if c.isClient {
		set(codes.Unknown)
	} else {
		set(codes.OK)
	}
}

// DetailsBuffer receives final status details. The backing array is grown
// max(needed, cap*3/2) and always carries a terminating zero byte, so a
// buffer can be reused across calls without reallocating.
type DetailsBuffer struct {
	b []byte
}

func (d *DetailsBuffer) String() string {
	if len(d.b) == 0 {
		return ""
	}
	return string(d.b[:len(d.b)-1])
}

func (d *DetailsBuffer) Cap() int { return cap(d.b) }

func (c *Call) getFinalDetails(out *DetailsBuffer) {
	for i := statusSource(0); i < statusSourceCount; i++ {
		if !c.status[i].isSet {
			continue
		}
		if c.status[i].details == nil {
			break
		}
		s := c.status[i].details.String()
		if len(s)+1 > cap(out.b) {
			capacity := cap(out.b) * 3 / 2
			if len(s)+1 > capacity {
				capacity = len(s) + 1
			}
			out.b = make([]byte, 0, capacity)
		}
		out.b = out.b[:len(s)+1]
		copy(out.b, s)
		out.b[len(s)] = 0
		return
	}

	if cap(out.b) == 0 {
		out.b = make([]byte, 0, consts.DetailsInitialCapacity)
	}
	out.b = out.b[:1]
	out.b[0] = 0
}

// decodeStatus parses the wire form of a status code (ASCII decimal) and
// caches the result on the interned element. Cached as code+1: a cached
// OK must be distinguishable from an absent cache entry.
func decodeStatus(md *metadata.Elem) codes.Code {
	if v, ok := md.UserData(); ok {
		return codes.Code(v.(uint32) - 1)
	}
	var code codes.Code
	n, err := strconv.ParseUint(md.Value.String(), 10, 32)
	if err != nil {
		code = codes.Unknown
	} else {
		code = codes.Code(n)
	}
	md.SetUserData(uint32(code) + 1)
	return code
}
