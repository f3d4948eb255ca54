package paginate

import (
	"net/url"

	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
)

const (
	defaultCursorHeader = "X-Next-Search-After"
	defaultCursorParam  = "search-after"
)

type CursorHeaderOption struct {
	Header string // response header carrying the continuation token
	Param  string // query parameter the token is echoed back through
}

// CursorHeader walks an API whose continuation token arrives in a
// response header and is echoed back as a query parameter on the next
// request. The server-side cursor is not replayable, so pages must be
// requested strictly in the order the tokens were handed out; the
// orchestrator never fetches pages of one resource concurrently for this
// reason.
type CursorHeader struct {
	header string
	param  string
}

func NewCursorHeader(opt CursorHeaderOption) *CursorHeader {
	if opt.Header == "" {
		opt.Header = defaultCursorHeader
	}
	if opt.Param == "" {
		opt.Param = defaultCursorParam
	}
	return &CursorHeader{header: opt.Header, param: opt.Param}
}

func (s *CursorHeader) Prepare(cur *Cursor, params url.Values) {
	if cur.Token != "" {
		params.Set(s.param, cur.Token)
	}
}

// Advance ends the walk on an empty page before consulting the header:
// the EPC API answers the final request with a bare header row and no
// continuation token, but an empty body alone is already terminal.
func (s *CursorHeader) Advance(cur *Cursor, page *fetch.Page, count int) (bool, error) {
	if cur.Done() {
		return false, nil
	}
	cur.Pages++
	cur.Records += count

	if count == 0 {
		cur.Finish()
		return false, nil
	}
	next := page.Header.Get(s.header)
	if next == "" {
		cur.Finish()
		return false, nil
	}
	cur.Token = next
	return true, nil
}
