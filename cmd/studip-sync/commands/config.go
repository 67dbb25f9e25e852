package commands

import (
	"fmt"

	"studipsync-backend/services/sync"
)

const defaultBaseUrl = "https://studip.uni-passau.de/studip"

type Config struct {
	BaseUrl          string `json:"base_url"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	FilesDestination string `json:"files_destination"`
	// optional sqlite file recording run history, empty disables it
	HistoryDb string        `json:"history_db"`
	Courses   []sync.Course `json:"courses"`
}

// Validate fails fast on missing required fields; credentials and the
// destination are never silently defaulted.
func (c Config) Validate() error {
	if c.FilesDestination == "" {
		return fmt.Errorf("the target directory is missing, specify files_destination in the config file")
	}
	if c.Username == "" {
		return fmt.Errorf("username is missing")
	}
	if c.Password == "" {
		return fmt.Errorf("password is missing")
	}
	for i, course := range c.Courses {
		if course.CourseId == "" {
			return fmt.Errorf("courses[%d]: course_id is missing", i)
		}
		if course.SaveAs == "" {
			return fmt.Errorf("courses[%d]: save_as is missing", i)
		}
	}
	return nil
}

func (c Config) baseUrl() string {
	if c.BaseUrl == "" {
		return defaultBaseUrl
	}
	return c.BaseUrl
}
