package util

import "github.com/influxdata/influxdb-client-go/api/write"

// NullWriteAPI satisfies the influx write API without a backing server.
// It is the default metrics sink until one is configured.
type NullWriteAPI struct{}

func (m *NullWriteAPI) WriteRecord(line string) {}

func (m *NullWriteAPI) WritePoint(point *write.Point) {}

func (m *NullWriteAPI) Flush() {}

func (m *NullWriteAPI) Close() {}

// Errors returns a nil channel. Callers that drain it must tolerate that.
func (m *NullWriteAPI) Errors() <-chan error { return nil }
