package extractor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"Go2NetSentry/internal/model"
)

// ErrParse matches every *ParseError.
var ErrParse = errors.New("malformed flow csv")

// ParseError reports a problem in the extraction output.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("flow csv line %d: %s", e.Line, e.Msg)
	}
	return "flow csv: " + e.Msg
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

type field int

const (
	fieldNone field = iota
	fieldFlowID
	fieldSrcIP
	fieldDstIP
	fieldSrcPort
	fieldDstPort
	fieldProtocol
	fieldTimestamp
	fieldLabel
)

// aliases maps normalized header names to identity fields. Every column
// not listed here is a numeric feature.
var aliases = map[string]field{
	"flowid":          fieldFlowID,
	"srcip":           fieldSrcIP,
	"sourceip":        fieldSrcIP,
	"dstip":           fieldDstIP,
	"destinationip":   fieldDstIP,
	"srcport":         fieldSrcPort,
	"sourceport":      fieldSrcPort,
	"dstport":         fieldDstPort,
	"destinationport": fieldDstPort,
	"protocol":        fieldProtocol,
	"proto":           fieldProtocol,
	"timestamp":       fieldTimestamp,
	"label":           fieldLabel,
}

var required = []struct {
	f    field
	name string
}{
	{fieldSrcIP, "src ip"},
	{fieldDstIP, "dst ip"},
	{fieldSrcPort, "src port"},
	{fieldDstPort, "dst port"},
	{fieldProtocol, "protocol"},
}

var timeLayouts = []string{
	"02/01/2006 03:04:05 PM",
	"02/01/2006 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func normalize(header string) string {
	h := strings.ToLower(strings.TrimSpace(header))
	return strings.NewReplacer(" ", "", "_", "", "-", "", "\ufeff", "").Replace(h)
}

// ParseCSV reads flow records. Non-finite, empty or unparsable feature
// cells become nil; structural problems yield a *ParseError.
func ParseCSV(r io.Reader) (model.FlowSet, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return model.FlowSet{}, &ParseError{Msg: "empty header"}
	}
	if err != nil {
		return model.FlowSet{}, toParseError(err)
	}

	idx := make(map[field]int)
	var featureCols []int
	var set model.FlowSet
	for i, h := range header {
		norm := normalize(h)
		if norm == "" {
			return model.FlowSet{}, &ParseError{Line: 1, Msg: fmt.Sprintf("empty column name at position %d", i+1)}
		}
		if f, ok := aliases[norm]; ok {
			if _, dup := idx[f]; !dup {
				idx[f] = i
			}
			continue
		}
		featureCols = append(featureCols, i)
		set.Columns = append(set.Columns, strings.TrimSpace(h))
	}
	for _, req := range required {
		if _, ok := idx[req.f]; !ok {
			return model.FlowSet{}, &ParseError{Line: 1, Msg: "missing required column " + req.name}
		}
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.FlowSet{}, toParseError(err)
		}

		flow, err := parseRow(rec, idx, featureCols, line)
		if err != nil {
			return model.FlowSet{}, err
		}
		set.Flows = append(set.Flows, flow)
	}
	return set, nil
}

func parseRow(rec []string, idx map[field]int, featureCols []int, line int) (model.Flow, error) {
	var flow model.Flow

	flow.SrcIP = net.ParseIP(strings.TrimSpace(rec[idx[fieldSrcIP]]))
	flow.DstIP = net.ParseIP(strings.TrimSpace(rec[idx[fieldDstIP]]))
	if flow.SrcIP == nil || flow.DstIP == nil {
		return flow, &ParseError{Line: line, Msg: "invalid ip address"}
	}

	sport, err := strconv.ParseUint(strings.TrimSpace(rec[idx[fieldSrcPort]]), 10, 16)
	if err != nil {
		return flow, &ParseError{Line: line, Msg: "invalid src port"}
	}
	dport, err := strconv.ParseUint(strings.TrimSpace(rec[idx[fieldDstPort]]), 10, 16)
	if err != nil {
		return flow, &ParseError{Line: line, Msg: "invalid dst port"}
	}
	proto, err := strconv.ParseUint(strings.TrimSpace(rec[idx[fieldProtocol]]), 10, 8)
	if err != nil {
		return flow, &ParseError{Line: line, Msg: "invalid protocol"}
	}
	flow.SrcPort, flow.DstPort, flow.Protocol = uint16(sport), uint16(dport), uint8(proto)

	if i, ok := idx[fieldTimestamp]; ok {
		flow.Timestamp = parseTimestamp(rec[i])
	}
	if i, ok := idx[fieldFlowID]; ok && strings.TrimSpace(rec[i]) != "" {
		flow.ID = strings.TrimSpace(rec[i])
	} else {
		flow.ID = fmt.Sprintf("%s-%s-%d-%d-%d", flow.SrcIP, flow.DstIP, flow.SrcPort, flow.DstPort, flow.Protocol)
	}

	flow.Features = make([]*float64, len(featureCols))
	for j, col := range featureCols {
		flow.Features[j] = parseFeature(rec[col])
	}
	return flow, nil
}

func parseFeature(cell string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func parseTimestamp(cell string) time.Time {
	s := strings.TrimSpace(cell)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(secs, 0) && !math.IsNaN(secs) {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC()
	}
	return time.Time{}
}

func toParseError(err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &ParseError{Line: perr.Line, Msg: perr.Err.Error()}
	}
	return &ParseError{Msg: err.Error()}
}
