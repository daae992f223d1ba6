package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/matcher"
	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/reranker"
	"github.com/spigell/posting-matcher/internal/resume"
)

const (
	PromptDetails         = "Show match details"
	PromptReportByCompany = "Report by companies"
	PromptMatchesToFile   = "Dump matches to file"
	PromptExit            = "Exit"
	PromptBack            = "back"
)

var errExit = errors.New("exit requested")

var searchPrompt = promptui.Select{
	Label: "What next?",
	Items: []string{PromptDetails, PromptReportByCompany, PromptMatchesToFile, PromptExit},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find job postings for a resume profile",
	Run: func(cmd *cobra.Command, _ []string) {
		search(cmd)
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringP("profile", "p", "profile.yaml", "yaml file with the resume and preference slots")
	searchCmd.Flags().IntP("limit", "l", 0, "number of postings to retrieve (default is retrieval.top-k)")
	searchCmd.Flags().BoolP("interactive", "i", false, "browse the matches interactively")
	searchCmd.Flags().Bool("report", false, "print matches grouped by company")
	searchCmd.Flags().Bool("dump", false, "write the full response to a temp file")
}

func search(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	profilePath, _ := cmd.Flags().GetString("profile")
	profile, err := resume.LoadFile(profilePath)
	if err != nil {
		logger.Fatal("loading the profile", zap.Error(err))
	}

	c, err := setup(ctx, config, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Fatal("preparing components", zap.Error(err))
	}
	defer c.close()

	// Stored vectors are reused; the embedder still has to see the corpus.
	if _, err := c.index.Index(ctx, c.postings, false); err != nil {
		logger.Fatal("indexing the corpus", zap.Error(err))
	}

	limit, _ := cmd.Flags().GetInt("limit")
	resp, err := c.pipeline.Match(ctx, matcher.Request{
		Resume: profile.Resume,
		Slots:  profile.Slots,
		Limit:  limit,
	})
	if err != nil {
		logger.Fatal("searching", zap.Error(err))
	}

	if len(resp.Matches) == 0 {
		logger.Info("exiting", zap.String("reason", resp.Reason))
		return
	}

	printMatches(logger, resp.Matches)

	if report, _ := cmd.Flags().GetBool("report"); report {
		if err := handleSearchAction(PromptReportByCompany, logger, resp); err != nil {
			logger.Fatal("reporting", zap.Error(err))
		}
	}
	if dump, _ := cmd.Flags().GetBool("dump"); dump {
		if err := handleSearchAction(PromptMatchesToFile, logger, resp); err != nil {
			logger.Fatal("dumping", zap.Error(err))
		}
	}

	if interactive, _ := cmd.Flags().GetBool("interactive"); !interactive {
		return
	}

	for {
		_, action, err := searchPrompt.Run()
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}

		if err := handleSearchAction(action, logger, resp); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}
}

func handleSearchAction(action string, logger *zap.Logger, resp *matcher.Response) error {
	switch action {
	case PromptDetails:
		return browseMatches(logger, resp.Matches)
	case PromptReportByCompany:
		pretty, _ := json.MarshalIndent(matchedPostings(resp.Matches).ReportByCompany(), "", "  ")
		logger.Info(string(pretty), zap.Int("matches count", len(resp.Matches)))
		return nil
	case PromptMatchesToFile:
		filename, err := posting.DumpToTmpFile("posting-matcher-*.json", resp)
		if err != nil {
			return fmt.Errorf("dump results to file: %w", err)
		}
		logger.Info("dumping result to file", zap.String("filename", filename))
		return nil
	case PromptExit:
		return errExit
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

func printMatches(logger *zap.Logger, matches []reranker.Match) {
	for i, m := range matches {
		logger.Info(matchLabel(&m),
			zap.Int("rank", i+1),
			zap.Int("matched", m.MatchedCount),
			zap.Int("keywords", m.TotalKeywords),
			zap.Float64("distance", m.Distance),
		)
	}
}

func browseMatches(logger *zap.Logger, matches []reranker.Match) error {
	for {
		items := make([]string, 0, len(matches)+1)
		for i := range matches {
			items = append(items, matchLabel(&matches[i]))
		}

		matchPrompt := promptui.Select{
			Label: "Choose a posting and press ENTER",
			Items: append(items, PromptBack),
		}

		_, selected, err := matchPrompt.Run()
		if err != nil {
			return err
		}
		if selected == PromptBack {
			return nil
		}

		id, err := strconv.Atoi(strings.Split(selected, " ")[0])
		if err != nil {
			return fmt.Errorf("there is no such posting %q", selected)
		}

		for i := range matches {
			if matches[i].Posting.ID != id {
				continue
			}
			pretty, _ := json.MarshalIndent(matches[i], "", "  ")
			logger.Info(string(pretty), zap.Strings("matched keywords", matches[i].MatchedKeywords()))
		}
	}
}

func matchLabel(m *reranker.Match) string {
	return fmt.Sprintf("%d %s / %s / %s", m.Posting.ID, m.Posting.Title, m.Posting.Company, m.Posting.Location)
}

func matchedPostings(matches []reranker.Match) *posting.Postings {
	items := make([]*posting.Posting, 0, len(matches))
	for i := range matches {
		items = append(items, &matches[i].Posting)
	}
	return posting.NewPostings(items...)
}
