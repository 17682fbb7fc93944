package vcs

import (
	"context"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s, replaces everything outside [a-z0-9] with '-' and
// trims it to 63 characters.
func Slug(s string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 63 {
		slug = strings.TrimRight(slug[:63], "-")
	}
	return slug
}

// Predefined returns the commit, ref and project variables of the working
// copy. Values git cannot provide fall back to placeholders so that a
// directory outside version control still runs.
func (g *Git) Predefined(ctx context.Context) map[string]string {
	vars := map[string]string{
		"CI_COMMIT_SHA":        strings.Repeat("0", 40),
		"CI_COMMIT_BRANCH":     "main",
		"CI_COMMIT_REF_NAME":   "main",
		"CI_DEFAULT_BRANCH":    "main",
		"CI_PROJECT_NAME":      filepath.Base(g.Dir),
		"CI_PROJECT_PATH":      "local/" + filepath.Base(g.Dir),
		"CI_PROJECT_NAMESPACE": "local",
		"CI_SERVER_HOST":       "gitlab.com",
		"GITLAB_USER_NAME":     "local",
		"GITLAB_USER_EMAIL":    "local@localhost",
	}
	get := func(args ...string) (string, bool) {
		out, err := g.git(ctx, g.Dir, args...)
		return out, err == nil && out != ""
	}
	if sha, ok := get("rev-parse", "HEAD"); ok {
		vars["CI_COMMIT_SHA"] = sha
	}
	if branch, ok := get("rev-parse", "--abbrev-ref", "HEAD"); ok && branch != "HEAD" {
		vars["CI_COMMIT_BRANCH"], vars["CI_COMMIT_REF_NAME"] = branch, branch
	}
	if tag, ok := get("describe", "--tags", "--exact-match"); ok {
		vars["CI_COMMIT_TAG"], vars["CI_COMMIT_REF_NAME"] = tag, tag
		delete(vars, "CI_COMMIT_BRANCH")
	}
	if msg, ok := get("log", "-1", "--pretty=%B"); ok {
		vars["CI_COMMIT_MESSAGE"] = msg
		vars["CI_COMMIT_TITLE"], _, _ = strings.Cut(msg, "\n")
	}
	if name, ok := get("config", "user.name"); ok {
		vars["GITLAB_USER_NAME"] = name
	}
	if email, ok := get("config", "user.email"); ok {
		vars["GITLAB_USER_EMAIL"] = email
	}
	if origin, err := g.Origin(ctx); err == nil {
		vars["CI_SERVER_HOST"] = origin.Host
		vars["CI_PROJECT_PATH"] = origin.Path
		vars["CI_PROJECT_NAME"] = path.Base(origin.Path)
		vars["CI_PROJECT_NAMESPACE"] = path.Dir(origin.Path)
	}
	vars["CI_COMMIT_SHORT_SHA"] = vars["CI_COMMIT_SHA"][:8]
	vars["CI_COMMIT_REF_SLUG"] = Slug(vars["CI_COMMIT_REF_NAME"])
	vars["CI_PROJECT_PATH_SLUG"] = Slug(vars["CI_PROJECT_PATH"])
	vars["CI_SERVER_URL"] = "https://" + vars["CI_SERVER_HOST"]
	vars["CI_PROJECT_URL"] = vars["CI_SERVER_URL"] + "/" + vars["CI_PROJECT_PATH"]
	return vars
}
