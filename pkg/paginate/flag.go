package paginate

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/weca-analytics/ca-epc-db/pkg/fetch"
)

const defaultFlagField = "exceededTransferLimit"

type TransferLimitOption struct {
	OffsetParam string
	LimitParam  string
	FlagField   string // body field announcing more data beyond this window
	PageSize    int
}

// TransferLimitFlag walks an ArcGIS-style feature service: instead of a
// total count, each page carries a boolean saying whether the transfer
// limit cut the result short. The walk continues only while that flag
// holds, with the offset advancing one window at a time.
type TransferLimitFlag struct {
	offsetParam string
	limitParam  string
	flagField   string
	pageSize    int
	logger      *slog.Logger
}

func NewTransferLimitFlag(opt TransferLimitOption) (*TransferLimitFlag, error) {
	if opt.PageSize <= 0 {
		return nil, xerrors.New("transfer-limit pagination needs a positive page size")
	}
	if opt.OffsetParam == "" {
		opt.OffsetParam = defaultOffsetParam
	}
	if opt.LimitParam == "" {
		opt.LimitParam = defaultLimitParam
	}
	if opt.FlagField == "" {
		opt.FlagField = defaultFlagField
	}
	return &TransferLimitFlag{
		offsetParam: opt.OffsetParam,
		limitParam:  opt.LimitParam,
		flagField:   opt.FlagField,
		pageSize:    opt.PageSize,
		logger:      slog.Default().With(slog.String("component", "paginate")),
	}, nil
}

func (s *TransferLimitFlag) Prepare(cur *Cursor, params url.Values) {
	params.Set(s.offsetParam, strconv.Itoa(cur.Offset))
	params.Set(s.limitParam, strconv.Itoa(s.pageSize))
}

// Advance continues the walk only for a JSON true or the string "true"
// in any case. An absent flag or JSON false ends the walk normally. Any
// other value is off-protocol: it is logged and the walk stops rather
// than risk requesting the same window forever.
func (s *TransferLimitFlag) Advance(cur *Cursor, page *fetch.Page, count int) (bool, error) {
	if cur.Done() {
		return false, nil
	}
	cur.Pages++
	cur.Records += count
	cur.Offset += s.pageSize

	raw, ok := bodyField(page.Body, s.flagField)
	if !ok {
		cur.Finish()
		return false, nil
	}

	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		if flag {
			return true, nil
		}
		cur.Finish()
		return false, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil && strings.EqualFold(str, "true") {
		return true, nil
	}

	s.logger.Warn("Unrecognized continuation flag, stopping the walk",
		slog.String("field", s.flagField), slog.String("value", string(raw)))
	cur.Finish()
	return false, nil
}
