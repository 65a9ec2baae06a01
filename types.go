package qcflow

import (
	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
)

// Quality is the outcome of a check: an ordered level plus free-text
// reasons and metadata.
type Quality = model.Quality

// Level is an ordered quality grade. Higher values are worse.
type Level = model.Level

const (
	LevelNull   = model.LevelNull
	LevelGood   = model.LevelGood
	LevelMedium = model.LevelMedium
	LevelBad    = model.LevelBad
)

// Predefined qualities without reasons.
var (
	Null   = model.Null
	Good   = model.Good
	Medium = model.Medium
	Bad    = model.Bad
)

// Activity identifies the data-taking period objects belong to.
type Activity = model.Activity

// MonitorObject is a published named payload with its metadata.
type MonitorObject = model.MonitorObject

// QualityObject is the stored result of a check or aggregator.
type QualityObject = model.QualityObject

// Payload is the capability set every plot-like object exposes.
type Payload = plot.Payload

// Built-in payloads.
type (
	H1         = plot.H1
	H2         = plot.H2
	Graph      = plot.Graph
	Annotation = plot.Annotation
)

// Payload constructors.
var (
	NewH1    = plot.NewH1
	NewH2    = plot.NewH2
	NewGraph = plot.NewGraph
)
