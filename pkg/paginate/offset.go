package paginate

import (
	"encoding/json"
	"net/url"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
)

const (
	defaultOffsetParam = "resultOffset"
	defaultLimitParam  = "resultRecordCount"
)

type OffsetLimitOption struct {
	OffsetParam string // query parameter carrying the offset
	LimitParam  string // query parameter carrying the window size
	PageSize    int    // records requested per page
	TotalField  string // optional body field holding the dataset's total record count
}

// OffsetLimit walks an API that accepts a numeric offset and a fixed
// window size. The walk ends on a short page, or once the total count
// announced by the response body has been covered.
type OffsetLimit struct {
	offsetParam string
	limitParam  string
	pageSize    int
	totalField  string
}

// NewOffsetLimit validates the configuration up front. Without a positive
// page size there is no short-page signal, so a total-count field becomes
// the only way to ever stop; lacking both is a configuration error, not
// something to discover mid-walk.
func NewOffsetLimit(opt OffsetLimitOption) (*OffsetLimit, error) {
	if opt.PageSize <= 0 && opt.TotalField == "" {
		return nil, xerrors.New("offset pagination needs a positive page size or a total-count field")
	}
	if opt.OffsetParam == "" {
		opt.OffsetParam = defaultOffsetParam
	}
	if opt.LimitParam == "" {
		opt.LimitParam = defaultLimitParam
	}
	return &OffsetLimit{
		offsetParam: opt.OffsetParam,
		limitParam:  opt.LimitParam,
		pageSize:    opt.PageSize,
		totalField:  opt.TotalField,
	}, nil
}

func (s *OffsetLimit) Prepare(cur *Cursor, params url.Values) {
	params.Set(s.offsetParam, strconv.Itoa(cur.Offset))
	if s.pageSize > 0 {
		params.Set(s.limitParam, strconv.Itoa(s.pageSize))
	}
}

func (s *OffsetLimit) Advance(cur *Cursor, page *fetch.Page, count int) (bool, error) {
	if cur.Done() {
		return false, nil
	}
	cur.Pages++
	cur.Records += count

	// Without a fixed window the server chooses the page size, so the
	// offset advances by what actually arrived.
	if s.pageSize > 0 {
		cur.Offset += s.pageSize
	} else {
		cur.Offset += count
	}

	if s.totalField != "" {
		if total, ok := totalCount(page.Body, s.totalField); ok && cur.Records >= total {
			cur.Finish()
			return false, nil
		}
	}
	if s.pageSize > 0 && count < s.pageSize {
		cur.Finish()
		return false, nil
	}
	if count == 0 {
		cur.Finish()
		return false, nil
	}
	return true, nil
}

func totalCount(body []byte, field string) (int, bool) {
	raw, ok := bodyField(body, field)
	if !ok {
		return 0, false
	}
	var total int
	if err := json.Unmarshal(raw, &total); err != nil {
		return 0, false
	}
	return total, true
}
