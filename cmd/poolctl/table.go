package main

import (
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/go-i2p/objpool/lib/pool"
	"github.com/go-i2p/objpool/lib/soak"
)

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// renderStats writes pool statistics as a two-column table.
func renderStats(w io.Writer, s pool.Stats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Pool", s.Name})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	table.Append([]string{"Max size", strconv.Itoa(s.MaxSize)})
	table.Append([]string{"Open", strconv.Itoa(s.NumOpen)})
	table.Append([]string{"Idle", strconv.Itoa(s.NumIdle)})
	table.Append([]string{"In use", strconv.Itoa(s.NumInUse)})
	table.Append([]string{"Borrows", u64(s.AcquireCount)})
	table.Append([]string{"Borrow failures", u64(s.AcquireFailed)})
	table.Append([]string{"Exhausted", u64(s.ExhaustedCount)})
	table.Append([]string{"Created", u64(s.Created)})
	table.Append([]string{"Destroyed", u64(s.Destroyed)})
	table.Append([]string{"Evicted", u64(s.Evicted)})
	table.Render()
}

// renderReport writes a soak report.
func renderReport(w io.Writer, r soak.Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Soak", "Result"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	table.Append([]string{"Elapsed", r.Elapsed.Round(time.Millisecond).String()})
	table.Append([]string{"Attempts", u64(r.Attempts)})
	table.Append([]string{"Succeeded", u64(r.Successes)})
	table.Append([]string{"Exhausted", u64(r.Exhausted)})
	table.Append([]string{"Failed", u64(r.Failures)})
	table.Append([]string{"Mean latency", r.MeanLatency.String()})
	table.Append([]string{"Max latency", r.MaxLatency.String()})
	if r.LastError != nil {
		table.Append([]string{"Last error", r.LastError.Error()})
	}
	table.Render()
}
