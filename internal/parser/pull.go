// Package parser turns raw output of layered container pulls into a
// structured progress model.
package parser

import (
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

// LayerStatus is the lifecycle of a single image layer.
type LayerStatus string

const (
	LayerWaiting     LayerStatus = "waiting"
	LayerDownloading LayerStatus = "downloading"
	LayerExtracting  LayerStatus = "extracting"
	LayerComplete    LayerStatus = "complete"

	// LayerExists means the layer was already present on the host and
	// nothing had to be transferred.
	LayerExists LayerStatus = "exists"
)

// statusRank orders layer statuses so a layer never moves backwards.
// LayerExists is a terminal jump, ranked with complete.
func statusRank(s LayerStatus) int {
	switch s {
	case LayerWaiting:
		return 0
	case LayerDownloading:
		return 1
	case LayerExtracting:
		return 2
	case LayerComplete, LayerExists:
		return 3
	}
	return 0
}

// Layer is the progress of one image layer.
type Layer struct {
	ID      string      `json:"id"`
	Status  LayerStatus `json:"status"`
	Current int64       `json:"current"`
	Total   int64       `json:"total"`
}

// byteProgressRe matches the "1.2MB/31.4MB" annotation docker appends to
// Downloading/Extracting lines. The progress bar itself is ignored.
var byteProgressRe = regexp.MustCompile(`([0-9.]+\s?[kKMGT]?i?B)/([0-9.]+\s?[kKMGT]?i?B)`)

// layerIDRe matches the short digest prefix docker prefixes layer lines with.
var layerIDRe = regexp.MustCompile(`^([0-9a-f]{6,}): (.*)$`)

// PullProgress accumulates the state of one layered pull, one output
// line at a time. Unrecognized lines are ignored, never an error: newer
// docker versions add output formats and a pull must not fail over them.
type PullProgress struct {
	layers []Layer
	index  map[string]int

	phase   string
	percent int
}

// NewPullProgress returns an empty pull progress model.
func NewPullProgress() *PullProgress {
	return &PullProgress{index: make(map[string]int)}
}

// Observe folds one output line into the model. Returns true when the
// line was recognized as progress information.
func (p *PullProgress) Observe(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if m := layerIDRe.FindStringSubmatch(line); m != nil {
		recognized := p.observeLayer(m[1], m[2])
		if recognized {
			p.recompute()
		}
		return recognized
	}

	return p.observeMilestone(line)
}

func (p *PullProgress) observeLayer(id, rest string) bool {
	var status LayerStatus
	switch {
	case strings.HasPrefix(rest, "Pulling fs layer"), strings.HasPrefix(rest, "Waiting"):
		status = LayerWaiting
	case strings.HasPrefix(rest, "Downloading"), strings.HasPrefix(rest, "Verifying Checksum"), strings.HasPrefix(rest, "Download complete"):
		status = LayerDownloading
	case strings.HasPrefix(rest, "Extracting"):
		status = LayerExtracting
	case strings.HasPrefix(rest, "Pull complete"):
		status = LayerComplete
	case strings.HasPrefix(rest, "Already exists"):
		status = LayerExists
	default:
		return false
	}

	i, seen := p.index[id]
	if !seen {
		p.layers = append(p.layers, Layer{ID: id, Status: LayerWaiting})
		i = len(p.layers) - 1
		p.index[id] = i
	}
	layer := &p.layers[i]

	// Forward-only: docker interleaves per-layer lines and a late
	// "Waiting" must not regress a layer that is already downloading.
	if statusRank(status) > statusRank(layer.Status) {
		layer.Status = status
	}

	if m := byteProgressRe.FindStringSubmatch(rest); m != nil {
		if cur, err := humanize.ParseBytes(m[1]); err == nil {
			if int64(cur) > layer.Current {
				layer.Current = int64(cur)
			}
		}
		if total, err := humanize.ParseBytes(m[2]); err == nil && int64(total) > 0 {
			layer.Total = int64(total)
		}
	}
	if layer.Total > 0 && layer.Current > layer.Total {
		layer.Current = layer.Total
	}
	if layer.Status == LayerComplete {
		layer.Current = layer.Total
	}

	switch layer.Status {
	case LayerDownloading:
		p.phase = "Downloading"
	case LayerExtracting:
		p.phase = "Extracting"
	}

	return true
}

// observeMilestone handles non-layer lines. It only drives the percent
// heuristic while no layer detail is available.
func (p *PullProgress) observeMilestone(line string) bool {
	switch {
	case strings.Contains(line, "Pulling from"):
		p.phase = "Pulling image"
		p.bumpMilestone(10)
	case strings.HasPrefix(line, "Digest:"):
		p.phase = "Verifying digest"
		p.bumpMilestone(95)
	case strings.HasPrefix(line, "Status:"):
		p.phase = "Finishing"
		p.bumpMilestone(95)
	default:
		return false
	}
	return true
}

func (p *PullProgress) bumpMilestone(pct int) {
	if len(p.layers) == 0 && pct > p.percent {
		p.percent = pct
	}
}

// recompute derives the overall percent as the size-weighted mean of
// per-layer completion. A layer with unknown total weighs one byte at
// zero completion so it drags the mean down without a divide-by-zero.
func (p *PullProgress) recompute() {
	var sumWeight, sumDone float64
	for _, l := range p.layers {
		weight := float64(l.Total)
		if weight <= 0 {
			weight = 1
		}
		var frac float64
		switch l.Status {
		case LayerComplete, LayerExists:
			frac = 1
		case LayerDownloading, LayerExtracting:
			if l.Total > 0 {
				frac = float64(l.Current) / float64(l.Total)
			}
		}
		sumWeight += weight
		sumDone += weight * frac
	}
	if sumWeight == 0 {
		return
	}

	pct := int(100 * sumDone / sumWeight)
	// Percent is monotone for pollers even when layer totals are
	// revised upwards mid-transfer.
	if pct > p.percent {
		p.percent = pct
	}
}

// Phase is a short human-readable label for the current activity.
func (p *PullProgress) Phase() string {
	return p.phase
}

// Percent is the overall completion estimate, 0-100, non-decreasing.
func (p *PullProgress) Percent() int {
	return p.percent
}

// Layers returns a copy of the per-layer state in first-sight order.
func (p *PullProgress) Layers() []Layer {
	out := make([]Layer, len(p.layers))
	copy(out, p.layers)
	return out
}

// Bytes reports transferred and total byte counts summed over layers
// with known sizes.
func (p *PullProgress) Bytes() (current, total int64) {
	for _, l := range p.layers {
		switch l.Status {
		case LayerComplete:
			current += l.Total
			total += l.Total
		case LayerExists:
			// Nothing transferred, nothing pending.
		default:
			current += l.Current
			total += l.Total
		}
	}
	return current, total
}
