package stage

import (
	"errors"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Set holds the stages of a crawl. Optional stages are left nil.
type Set struct {
	Preselector  *Preselector
	Precondition *Precondition
	Fetch        *FetchHTTP
	Extract      *ExtractHTML
	Writer       *WriterBlob
	CrawlLog     *CrawlLog
	Announce     *Announce
	Candidates   *Candidates
}

// Chain arranges the set into the pre-fetch, fetch, extract, write and
// post-processing groups. Items that finish early still reach the post group.
func (s Set) Chain() (*crawler.Chain, error) {
	if s.Fetch == nil {
		return nil, errors.New("chain requires a fetch stage")
	}
	var pre, extract, write, post []crawler.Processor
	if s.Preselector != nil {
		pre = append(pre, s.Preselector)
	}
	if s.Precondition != nil {
		pre = append(pre, s.Precondition)
	}
	if s.Extract != nil {
		extract = append(extract, s.Extract)
	}
	if s.Writer != nil {
		write = append(write, s.Writer)
	}
	if s.CrawlLog != nil {
		post = append(post, s.CrawlLog)
	}
	if s.Announce != nil {
		post = append(post, s.Announce)
	}
	if s.Candidates != nil {
		post = append(post, s.Candidates)
	}

	groups := []crawler.StageGroup{}
	add := func(name string, stages []crawler.Processor, isPost bool) {
		if len(stages) > 0 {
			groups = append(groups, crawler.StageGroup{Name: name, Stages: stages, Post: isPost})
		}
	}
	add("pre-fetch", pre, false)
	add("fetch", []crawler.Processor{s.Fetch}, false)
	add("extract", extract, false)
	add("write", write, false)
	add("post", post, true)
	return crawler.NewChain(groups...)
}
