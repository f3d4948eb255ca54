package paginate_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
	"github.com/weca-analytics/ca-epc-db/pkg/paginate"
)

// fakePage is one synthetic response: its body, headers, and the number
// of records the assembler would have produced from it.
type fakePage struct {
	body   string
	header http.Header
	count  int
}

// drive walks the strategy over the synthetic pages the way the
// orchestrator does, returning the query parameters of every request
// issued. It fails the test if the strategy asks for more pages than
// were provided.
func drive(t *testing.T, s paginate.Strategy, cur *paginate.Cursor, pages []fakePage) []url.Values {
	t.Helper()
	var requests []url.Values
	for i := 0; ; i++ {
		require.Less(t, i, len(pages), "strategy did not terminate within the supplied pages")

		params := url.Values{}
		s.Prepare(cur, params)
		requests = append(requests, params)
		cur.Begin()

		pg := pages[i]
		page := &fetch.Page{StatusCode: http.StatusOK, Header: pg.header, Body: []byte(pg.body)}
		more, err := s.Advance(cur, page, pg.count)
		require.NoError(t, err)
		if !more {
			return requests
		}
	}
}
