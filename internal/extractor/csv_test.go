package extractor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cicHeader = "Flow ID,Src IP,Src Port,Dst IP,Dst Port,Protocol,Timestamp,Flow Duration,Tot Fwd Pkts,Flow Byts/s,Label\n"

func TestParseCSV_CICFlowMeter(t *testing.T) {
	body := cicHeader +
		"10.0.0.1-10.0.0.2-40000-80-6,10.0.0.1,40000,10.0.0.2,80,6,17/10/2026 02:30:15 PM,1200,3,Infinity,NeedManualLabel\n" +
		"10.0.0.2-8.8.8.8-5353-53-17,10.0.0.2,5353,8.8.8.8,53,17,2026-10-17 14:30:16,,1,NaN,NeedManualLabel\n"

	set, err := ParseCSV(strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, []string{"Flow Duration", "Tot Fwd Pkts", "Flow Byts/s"}, set.Columns)
	require.Len(t, set.Flows, 2)

	f := set.Flows[0]
	assert.Equal(t, "10.0.0.1-10.0.0.2-40000-80-6", f.ID)
	assert.Equal(t, "10.0.0.1", f.SrcIP.String())
	assert.Equal(t, uint16(40000), f.SrcPort)
	assert.Equal(t, uint16(80), f.DstPort)
	assert.Equal(t, uint8(6), f.Protocol)
	assert.Equal(t, time.Date(2026, 10, 17, 14, 30, 15, 0, time.UTC), f.Timestamp)
	require.Len(t, f.Features, 3)
	require.NotNil(t, f.Features[0])
	assert.Equal(t, 1200.0, *f.Features[0])
	assert.Equal(t, 3.0, *f.Features[1])
	assert.Nil(t, f.Features[2], "infinite values become nil")

	g := set.Flows[1]
	assert.Equal(t, time.Date(2026, 10, 17, 14, 30, 16, 0, time.UTC), g.Timestamp)
	assert.Nil(t, g.Features[0], "empty cells become nil")
	assert.Nil(t, g.Features[2], "NaN becomes nil")
}

func TestParseCSV_HeaderAliases(t *testing.T) {
	body := "src_ip,dst_ip,src_port,dst_port,protocol,timestamp,flow_duration\n" +
		"10.0.0.1,10.0.0.2,1234,443,6,1700000000.5,42\n"

	set, err := ParseCSV(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, set.Flows, 1)

	f := set.Flows[0]
	assert.Equal(t, "10.0.0.1-10.0.0.2-1234-443-6", f.ID, "flow id is derived when the column is absent")
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), f.Timestamp)
	assert.Equal(t, []string{"flow_duration"}, set.Columns)

	alt := "Source IP, Destination IP, Source Port, Destination Port, Protocol, Fwd Pkts\n" +
		"10.0.0.1, 10.0.0.2, 1, 2, 17, 5\n"
	set, err = ParseCSV(strings.NewReader(alt))
	require.NoError(t, err)
	require.Len(t, set.Flows, 1)
	assert.Equal(t, uint8(17), set.Flows[0].Protocol)
	assert.True(t, set.Flows[0].Timestamp.IsZero())
}

func TestParseCSV_UnparsableTimestamp(t *testing.T) {
	body := "src ip,dst ip,src port,dst port,protocol,timestamp,x\n10.0.0.1,10.0.0.2,1,2,6,yesterday,1\n"
	set, err := ParseCSV(strings.NewReader(body))
	require.NoError(t, err)
	assert.True(t, set.Flows[0].Timestamp.IsZero())
}

func TestParseCSV_HeaderOnly(t *testing.T) {
	set, err := ParseCSV(strings.NewReader(cicHeader))
	require.NoError(t, err)
	assert.Empty(t, set.Flows)
	assert.Len(t, set.Columns, 3)
}

func TestParseCSV_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"missing column": "src ip,dst ip,protocol\n10.0.0.1,10.0.0.2,6\n",
		"ragged row":     "src ip,dst ip,src port,dst port,protocol\n10.0.0.1,10.0.0.2,1,2\n",
		"bad ip":         "src ip,dst ip,src port,dst port,protocol\nnot-an-ip,10.0.0.2,1,2,6\n",
		"bad port":       "src ip,dst ip,src port,dst port,protocol\n10.0.0.1,10.0.0.2,70000,2,6\n",
		"bad protocol":   "src ip,dst ip,src port,dst port,protocol\n10.0.0.1,10.0.0.2,1,2,tcp\n",
		"blank header":   "src ip,,dst ip\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}
