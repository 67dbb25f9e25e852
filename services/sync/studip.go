package sync

import (
	"context"

	"studipsync-backend/lib/scrapers/studip/core"
	"studipsync-backend/lib/scrapers/studip/files"
)

// StudipProvider opens sessions against a real Stud.IP portal.
type StudipProvider struct {
	BaseUrl string
}

func (p StudipProvider) Open(ctx context.Context, username, password string) (Session, error) {
	client, err := core.NewClient(ctx, core.ClientOptions{
		BaseUrl: p.BaseUrl,
	})
	if err != nil {
		return nil, err
	}
	err = client.LoginUsernamePassword(ctx, username, password)
	if err != nil {
		client.Close()
		return nil, err
	}
	return studipSession{
		core:  client,
		files: files.NewClient(client),
	}, nil
}

type studipSession struct {
	core  *core.Client
	files files.Client
}

func (s studipSession) Fetch(ctx context.Context, course Course, dest string) error {
	return s.files.Fetch(ctx, course.CourseId, course.SyncOnly, dest)
}

func (s studipSession) Close() {
	s.core.Close()
}
