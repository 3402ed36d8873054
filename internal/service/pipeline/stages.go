package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type candidate struct {
	video   domain.VideoSummary
	channel domain.ChannelSummary
}

type scored struct {
	candidate
	result domain.OutlierResult
}

// runState carries each stage's output into the next.
type runState struct {
	analysisID string
	rules      *Rules
	startedAt  time.Time
	stage      domain.Stage

	excluded   map[string]struct{}
	channels   []domain.ChannelSummary
	candidates []candidate
	outliers   []scored
	brandFit   []scored
	results    []domain.OutlierResult
}

func newRunState(analysisID string, rules *Rules, now time.Time) *runState {
	return &runState{
		analysisID: analysisID,
		rules:      rules,
		startedAt:  now,
		stage:      domain.StageNone,
		excluded:   make(map[string]struct{}),
	}
}

func (st *runState) since() time.Time {
	return st.startedAt.Add(-st.rules.window)
}

// fanOut runs fn for every input with at most limit calls in flight. Results
// keep input order. The first error cancels the remaining calls.
func fanOut[T any](ctx context.Context, limit int, inputs []string, fn func(context.Context, string) (T, error)) ([]T, error) {
	results := make([]T, len(inputs))
	if len(inputs) == 0 {
		return results, nil
	}
	if limit < 1 {
		limit = 1
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(limit).WithCancelOnError().WithFirstError()
	for idx, input := range inputs {
		idx, input := idx, input
		p.Go(func(ctx context.Context) error {
			res, err := fn(ctx, input)
			if err != nil {
				return err
			}
			results[idx] = res
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// extractTerms returns the lower-cased exclusion pattern matches found in a
// video's title and description.
func extractTerms(rules *Rules, v domain.VideoSummary) []string {
	text := v.SearchText()
	var terms []string
	for _, re := range rules.exclusionPatterns {
		for _, m := range re.FindAllString(text, -1) {
			if term := strings.ToLower(strings.TrimSpace(m)); term != "" {
				terms = append(terms, term)
			}
		}
	}
	return terms
}

// isExcludedContent reports whether the video mentions anything the exclusion
// channels already cover.
func (st *runState) isExcludedContent(v domain.VideoSummary) bool {
	if len(st.excluded) == 0 {
		return false
	}
	for _, term := range extractTerms(st.rules, v) {
		if _, ok := st.excluded[term]; ok {
			return true
		}
	}
	return false
}

// buildExclusionList collects pattern matches from the exclusion channels'
// recent uploads.
func buildExclusionList(ctx context.Context, o *Orchestrator, st *runState) error {
	rules := st.rules
	if len(rules.exclusionChannelIDs) == 0 || len(rules.exclusionPatterns) == 0 {
		return nil
	}

	batches, err := fanOut(ctx, o.fanOut, rules.exclusionChannelIDs,
		func(ctx context.Context, channelID string) ([]domain.VideoSummary, error) {
			return o.source.GetChannelVideos(ctx, channelID, st.since())
		})
	if err != nil {
		return err
	}

	for _, videos := range batches {
		for _, v := range videos {
			for _, term := range extractTerms(rules, v) {
				st.excluded[term] = struct{}{}
			}
		}
	}

	o.logger.Debug("Exclusion list built",
		zap.String("analysis_id", st.analysisID),
		zap.Int("terms", len(st.excluded)))
	return nil
}

// discoverChannels runs every search query; the first query to surface a
// channel wins.
func discoverChannels(ctx context.Context, o *Orchestrator, st *runState) error {
	rules := st.rules
	batches, err := fanOut(ctx, o.fanOut, rules.searchQueries,
		func(ctx context.Context, query string) ([]domain.ChannelSummary, error) {
			return o.source.SearchChannels(ctx, query, rules.subscriberRange)
		})
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, channels := range batches {
		for _, ch := range channels {
			if _, dup := seen[ch.ID]; dup {
				continue
			}
			seen[ch.ID] = struct{}{}
			if rules.isExcludedChannel(ch.ID) || !rules.subscriberRange.Contains(ch.SubscriberCount) {
				continue
			}
			st.channels = append(st.channels, ch)
		}
	}

	o.logger.Debug("Adjacent channels discovered",
		zap.String("analysis_id", st.analysisID),
		zap.Int("channels", len(st.channels)))
	return nil
}

type channelVideos struct {
	info   *domain.ChannelSummary
	videos []domain.VideoSummary
}

// retrieveVideos refreshes each channel's statistics and pulls its uploads in
// the window. Channels that no longer resolve are skipped.
func retrieveVideos(ctx context.Context, o *Orchestrator, st *runState) error {
	ids := make([]string, len(st.channels))
	for i, ch := range st.channels {
		ids[i] = ch.ID
	}

	batches, err := fanOut(ctx, o.fanOut, ids,
		func(ctx context.Context, channelID string) (channelVideos, error) {
			info, err := o.source.GetChannelInfo(ctx, channelID)
			if err != nil || info == nil {
				return channelVideos{}, err
			}
			videos, err := o.source.GetChannelVideos(ctx, channelID, st.since())
			if err != nil {
				return channelVideos{}, err
			}
			return channelVideos{info: info, videos: videos}, nil
		})
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	dropped := 0
	for i, batch := range batches {
		if batch.info == nil {
			o.logger.Debug("Channel no longer resolves, skipping",
				zap.String("analysis_id", st.analysisID),
				zap.String("channel_id", ids[i]))
			continue
		}
		channel := *batch.info
		if channel.Name == "" {
			channel.Name = st.channels[i].Name
		}
		for _, v := range batch.videos {
			if _, dup := seen[v.ID]; dup {
				continue
			}
			seen[v.ID] = struct{}{}
			if st.isExcludedContent(v) {
				dropped++
				continue
			}
			st.candidates = append(st.candidates, candidate{video: v, channel: channel})
		}
	}

	o.logger.Debug("Videos retrieved",
		zap.String("analysis_id", st.analysisID),
		zap.Int("videos", len(st.candidates)),
		zap.Int("excluded", dropped))
	return nil
}

func detectOutliers(_ context.Context, o *Orchestrator, st *runState) error {
	for _, c := range st.candidates {
		result := scoreVideo(o.strategy, c.video, c.channel, st.rules.window, st.startedAt)
		if result.AdjustedScore() > st.rules.outlierThreshold {
			st.outliers = append(st.outliers, scored{candidate: c, result: result})
		}
	}
	return nil
}

func scoreBrandFit(_ context.Context, _ *Orchestrator, st *runState) error {
	for _, s := range st.outliers {
		s.result.BrandFitScore = brandFitScore(st.rules.brand, s.video)
		if s.result.BrandFitScore >= st.rules.brandFitThreshold {
			st.brandFit = append(st.brandFit, s)
		}
	}
	return nil
}

func aggregate(_ context.Context, _ *Orchestrator, st *runState) error {
	results := make([]domain.OutlierResult, 0, len(st.brandFit))
	for _, s := range st.brandFit {
		results = append(results, s.result)
	}
	rankResults(results)

	if limit := st.rules.maxResults; limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	st.results = results
	return nil
}

// rankResults orders by adjusted score, then views, then video id.
func rankResults(results []domain.OutlierResult) {
	sort.SliceStable(results, func(i, j int) bool {
		ai, aj := results[i].AdjustedScore(), results[j].AdjustedScore()
		if ai != aj {
			return ai > aj
		}
		if results[i].ViewCount != results[j].ViewCount {
			return results[i].ViewCount > results[j].ViewCount
		}
		return results[i].VideoID < results[j].VideoID
	})
}
