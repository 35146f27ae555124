// Package blog declares the demo resources served by cmd/server.
package blog

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/auth"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// Resources returns fresh User, Post, Tag and Comment declarations.
func Resources() []*metadata.Resource {
	return []*metadata.Resource{User(), Post(), Tag(), Comment()}
}

func User() *metadata.Resource {
	user := &metadata.Resource{
		Name: "User",
		Fields: []*metadata.Field{
			{Name: "Full Name", Type: metadata.TypeText, Rules: []string{"required", "max:120"}, Searchable: true, Sortable: true},
			{Name: "Email", Type: metadata.TypeText, Rules: []string{"required", "email", "unique"}, Searchable: true},
			{Name: "Password", Type: metadata.TypeText, CreationRules: []string{"required", "min:8"}, HideOnAPI: true, HideOnIndex: true},
			{Name: "Role", Type: metadata.TypeSelect, Options: []string{"admin", "editor", "reader"}, Default: "reader", Filterable: true},
			{Name: "Active", Type: metadata.TypeBoolean, Default: true, Filterable: true},
			{Name: "Post", Type: metadata.TypeHasMany},
			{Name: "Comment", Type: metadata.TypeHasMany},
		},
	}
	user.BeforeCreate(hashPassword).BeforeUpdate(hashPassword)
	return user
}

func Post() *metadata.Resource {
	post := &metadata.Resource{
		Name:        "Post",
		DefaultSort: "-id",
		Fields: []*metadata.Field{
			{Name: "Title", Type: metadata.TypeText, Rules: []string{"required", "unique", "max:200"}, Searchable: true, Sortable: true},
			{Name: "Description", Type: metadata.TypeTextarea, Rules: []string{"required"}, Searchable: true},
			{Name: "Status", Type: metadata.TypeSelect, Options: []string{StatusDraft, StatusPublished, StatusArchived}, Default: StatusDraft, Filterable: true},
			{Name: "Views", Type: metadata.TypeInteger, Rules: []string{"min:0"}, Default: 0, Sortable: true, Filterable: true},
			{Name: "Published At", Type: metadata.TypeDateTime, Sortable: true},
			{Name: "User", Type: metadata.TypeBelongsTo, Filterable: true},
			{Name: "Tag", Type: metadata.TypeBelongsToMany},
			{Name: "Comment", Type: metadata.TypeHasMany},
		},
	}
	return post.WithActions(
		metadata.NewAction("Archive", archivePosts),
		metadata.NewAction("Publish", publishPosts,
			&metadata.Field{Name: "Published At", Type: metadata.TypeDateTime, Rules: []string{"required"}},
		),
	)
}

func Tag() *metadata.Resource {
	return &metadata.Resource{
		Name: "Tag",
		Fields: []*metadata.Field{
			{Name: "Name", Type: metadata.TypeText, Rules: []string{"required", "unique", "max:40"}, Searchable: true, Sortable: true},
			{Name: "Description", Type: metadata.TypeTextarea},
			{Name: "Post", Type: metadata.TypeBelongsToMany},
		},
	}
}

func Comment() *metadata.Resource {
	return &metadata.Resource{
		Name: "Comment",
		Fields: []*metadata.Field{
			{Name: "Body", Type: metadata.TypeTextarea, Rules: []string{"required", "max:2000"}, Searchable: true},
			{Name: "Post", Type: metadata.TypeBelongsTo, Rules: []string{"required"}, Filterable: true},
			{Name: "User", Type: metadata.TypeBelongsTo, Filterable: true},
		},
	}
}

// Policies grants the editor and reader roles their permission slugs.
// Admins pass every check without an entry.
func Policies() map[string][]string {
	editor := []string{"editor"}
	everyone := []string{"editor", "reader"}
	return map[string][]string{
		"fetch:posts":       everyone,
		"create:posts":      editor,
		"update:posts":      editor,
		"delete:posts":      editor,
		"run:archive:posts": editor,
		"run:publish:posts": editor,

		"fetch:tags":  everyone,
		"create:tags": editor,
		"update:tags": editor,

		"fetch:comments":  everyone,
		"create:comments": everyone,
		"delete:comments": editor,

		"fetch:users": editor,
	}
}

// hashPassword replaces a plaintext password in the payload with its bcrypt hash.
func hashPassword(ctx context.Context, e *metadata.HookEvent) error {
	pw, ok := e.Payload["password"].(string)
	if !ok || pw == "" || auth.IsHashed(pw) {
		return nil
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		return err
	}
	e.Payload["password"] = hash
	return nil
}

func archivePosts(ctx context.Context, in *metadata.ActionInput) (metadata.Outcome, error) {
	titles := make([]string, 0, len(in.Records))
	for _, rec := range in.Records {
		if _, err := in.Helpers.Update(ctx, rec["id"], map[string]any{"status": StatusArchived}); err != nil {
			return metadata.Outcome{}, err
		}
		title, _ := rec["title"].(string)
		titles = append(titles, "<li>"+html.EscapeString(title)+"</li>")
	}
	return metadata.HTML(201, `<div data-archived="true"><ul>`+strings.Join(titles, "")+`</ul></div>`), nil
}

func publishPosts(ctx context.Context, in *metadata.ActionInput) (metadata.Outcome, error) {
	var skipped []metadata.ErrorDetail
	published := 0
	for _, rec := range in.Records {
		if rec["status"] == StatusArchived {
			skipped = append(skipped, metadata.ErrorDetail{
				Field:   "ids",
				Message: fmt.Sprintf("Post %v is archived and cannot be published.", rec["id"]),
			})
			continue
		}
		if _, err := in.Helpers.Update(ctx, rec["id"], map[string]any{
			"status":      StatusPublished,
			"publishedAt": in.Payload["publishedAt"],
		}); err != nil {
			return metadata.Outcome{}, err
		}
		published++
	}
	if len(skipped) > 0 {
		return metadata.ValidationErrors(422, skipped), nil
	}
	return metadata.Notify(fmt.Sprintf("Published %d posts.", published), "success"), nil
}
