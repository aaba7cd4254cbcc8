// Package survey loads survey definitions from a simple line-oriented
// text format. Each non-blank line is one question; an optional segment
// after a pipe character lists comma-separated choices, which makes the
// question categorical:
//
//	How is the onboarding pace?
//	Which office do you work from? | Lisbon, Berlin, Remote
//
// Lines starting with "#" are comments. Question ordinals are assigned in
// file order, contiguous from 0.
package survey

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/avolkov/voxsurvey/internal/model"
)

// Load reads a survey from a file.
func Load(path, surveyID, title string) (*model.Survey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open survey file: %w", err)
	}
	defer f.Close()

	s, err := Parse(f, surveyID, title)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// Parse reads survey questions from r.
func Parse(r io.Reader, surveyID, title string) (*model.Survey, error) {
	var questions []model.Question

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		text, choices, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}

		q := model.Question{
			Index: len(questions),
			Text:  text,
			Kind:  model.KindFreeText,
		}
		if len(choices) > 0 {
			q.Kind = model.KindCategorical
			q.Choices = choices
		}
		questions = append(questions, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read survey: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("survey contains no questions")
	}

	return &model.Survey{ID: surveyID, Title: title, Questions: questions}, nil
}

func parseLine(line string) (string, []string, error) {
	text, choicesPart, found := strings.Cut(line, "|")
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, fmt.Errorf("question text cannot be empty")
	}
	if !found {
		return text, nil, nil
	}

	var choices []string
	for _, c := range strings.Split(choicesPart, ",") {
		if c = strings.TrimSpace(c); c != "" {
			choices = append(choices, c)
		}
	}
	if len(choices) == 0 {
		return "", nil, fmt.Errorf("categorical question must define at least one choice")
	}
	return text, choices, nil
}
