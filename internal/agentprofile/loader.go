// Package agentprofile loads agent profile manifests from a directory tree
// and seeds them into the store at boot. A profile is one subdirectory:
//
//	<dir>/<profile-id>/profile.yaml
//	<dir>/<profile-id>/skills/*.md
//	<dir>/<profile-id>/commands/*.md
//	<dir>/<profile-id>/subagents/*.md
//
// The resource files are bundled into the profile manifest verbatim; the
// runner writes them onto the environment filesystem during load-agent-profile.
package agentprofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/storage"
)

const manifestFileName = "profile.yaml"

// resourceDirs are the per-profile subdirectories whose files are bundled
// into the manifest.
var resourceDirs = []string{"skills", "commands", "subagents"}

// profileFile is the parsed profile.yaml document.
type profileFile struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Architecture string `yaml:"architecture"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"systemPrompt"`
	Model        string `yaml:"model"`
}

// Resource is one profile file shipped to the environment.
type Resource struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Manifest is the profile document handed to the runner's load-agent-profile
// helper. It is stored as JSON on the persisted profile.
type Manifest struct {
	SystemPrompt string     `json:"systemPrompt,omitempty"`
	Model        string     `json:"model,omitempty"`
	Skills       []Resource `json:"skills,omitempty"`
	Commands     []Resource `json:"commands,omitempty"`
	Subagents    []Resource `json:"subagents,omitempty"`
}

// LoadDir reads every profile under dir. Subdirectories without a
// profile.yaml are skipped; a malformed manifest is an error.
func LoadDir(dir string) ([]storage.AgentProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var profiles []storage.AgentProfile
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		profileDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(profileDir, manifestFileName)); err != nil {
			continue
		}

		profile, err := loadProfile(profileDir, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", entry.Name(), err)
		}
		profiles = append(profiles, profile)
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

func loadProfile(profileDir, dirName string) (storage.AgentProfile, error) {
	data, err := os.ReadFile(filepath.Join(profileDir, manifestFileName))
	if err != nil {
		return storage.AgentProfile{}, err
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return storage.AgentProfile{}, fmt.Errorf("invalid %s: %w", manifestFileName, err)
	}

	if file.ID == "" {
		file.ID = dirName
	}
	if file.Name == "" {
		file.Name = file.ID
	}
	arch, err := conversation.ParseArchitecture(file.Architecture)
	if err != nil {
		return storage.AgentProfile{}, err
	}

	manifest := Manifest{
		SystemPrompt: file.SystemPrompt,
		Model:        file.Model,
	}
	for _, sub := range resourceDirs {
		resources, err := loadResources(filepath.Join(profileDir, sub))
		if err != nil {
			return storage.AgentProfile{}, fmt.Errorf("%s: %w", sub, err)
		}
		switch sub {
		case "skills":
			manifest.Skills = resources
		case "commands":
			manifest.Commands = resources
		case "subagents":
			manifest.Subagents = resources
		}
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return storage.AgentProfile{}, err
	}

	return storage.AgentProfile{
		ID:           file.ID,
		Name:         file.Name,
		Architecture: arch,
		Description:  file.Description,
		Manifest:     manifestJSON,
	}, nil
}

// loadResources reads every regular file in dir, sorted by name. A missing
// directory yields no resources.
func loadResources(dir string) ([]Resource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var resources []Resource
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		resources = append(resources, Resource{
			Name:    entry.Name(),
			Content: string(content),
		})
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })
	return resources, nil
}

// Seed loads the profiles directory into the store. A missing directory is
// not an error; a host can run purely on profiles created elsewhere.
func Seed(ctx context.Context, store storage.Store, dir string, log *logger.Logger) error {
	log = log.WithComponent("agentprofile")

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Info("profiles directory not found, skipping seed", zap.String("dir", dir))
		return nil
	}

	profiles, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		if err := store.SaveAgentProfile(ctx, profile); err != nil {
			return fmt.Errorf("failed to save profile %q: %w", profile.ID, err)
		}
		log.Info("agent profile loaded",
			zap.String("profile_id", profile.ID),
			zap.String("architecture", string(profile.Architecture)))
	}
	return nil
}
