package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task ids have the form {type}-{epoch}-{rand8}, e.g.
// custom-1735689600-3fa85f64. The random component is the first 8 hex chars
// of a v4 UUID.
var idRegex = regexp.MustCompile(`^(custom|issue_reference|pr_reference)-[0-9]{10}-[0-9a-f]{8}$`)

func GenerateID(taskType TaskType) (string, error) {
	if !ValidTaskType(taskType) {
		return "", fmt.Errorf("invalid task type: %s", taskType)
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%010d-%s", taskType, time.Now().Unix(), suffix), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (TaskType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return TaskType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
