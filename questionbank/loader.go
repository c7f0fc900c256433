package questionbank

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Meander-Cloud/go-buzzer/model"
)

// Load parses one question per line as text|startDelayMs|activeMs|points.
// Blank lines and lines starting with # are skipped.
func Load(r io.Reader) ([]model.Question, error) {
	var questions []model.Question

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		q, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		questions = append(questions, q)
	}
	err := scanner.Err()
	if err != nil {
		return nil, err
	}

	return questions, nil
}

func parseLine(text string) (model.Question, error) {
	fields := strings.Split(text, "|")
	if len(fields) != 4 {
		return model.Question{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}

	q := model.Question{
		Text: strings.TrimSpace(fields[0]),
	}
	if q.Text == "" {
		return model.Question{}, fmt.Errorf("empty question text")
	}

	startDelay, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 32)
	if err != nil {
		return model.Question{}, fmt.Errorf("invalid start delay: %w", err)
	}
	active, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 32)
	if err != nil {
		return model.Question{}, fmt.Errorf("invalid active duration: %w", err)
	}
	if active == 0 {
		return model.Question{}, fmt.Errorf("active duration must be positive")
	}
	points, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return model.Question{}, fmt.Errorf("invalid points: %w", err)
	}

	q.StartDelay = time.Millisecond * time.Duration(startDelay)
	q.ActiveDuration = time.Millisecond * time.Duration(active)
	q.Points = points
	return q, nil
}
