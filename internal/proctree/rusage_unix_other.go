//go:build unix && !darwin

package proctree

// ru_maxrss is reported in kilobytes
const maxRSSUnit = 1024
