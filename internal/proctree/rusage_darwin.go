//go:build darwin

package proctree

// ru_maxrss is reported in bytes
const maxRSSUnit = 1
