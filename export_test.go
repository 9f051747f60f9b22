package shinka

var Summarize = summarize //nolint:gochecknoglobals
