package provisioner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"previewplane/internal/store"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Labels attached to every managed container. ListLiveResources filters on
// the managed label; the others let refs be rebuilt from a bare container.
const (
	labelManaged = "previewplane.managed"
	labelKey     = "previewplane.key"
	labelURL     = "previewplane.url"
)

// DockerConfig holds naming templates for the Docker provisioner.
type DockerConfig struct {
	// ImageTemplate builds the image reference from repo and commit SHA.
	ImageTemplate string
	// URLTemplate builds the preview URL from the container name.
	URLTemplate string
}

// DockerProvisioner implements the Provisioner contract with one container
// per idempotency key, named deterministically so a retry after a crash
// finds the container a prior attempt created.
type DockerProvisioner struct {
	client *client.Client
	cfg    DockerConfig
}

// NewDockerProvisioner creates a Docker-based provisioner.
func NewDockerProvisioner(cfg DockerConfig) (*DockerProvisioner, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if cfg.ImageTemplate == "" {
		cfg.ImageTemplate = "ghcr.io/%s:%s"
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = "http://%s.preview.localhost"
	}
	return &DockerProvisioner{client: cli, cfg: cfg}, nil
}

// containerName derives the deterministic container name for a request.
func containerName(req Request) string {
	repo := strings.ToLower(strings.ReplaceAll(req.Repo, "/", "-"))
	var b strings.Builder
	for _, r := range repo {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	sha := req.CommitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("preview-%s-pr%d-%s", b.String(), req.PRNumber, sha)
}

// Provision creates (or finds) the preview container for the request.
func (d *DockerProvisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	name := containerName(req)
	url := fmt.Sprintf(d.cfg.URLTemplate, name)

	// A prior attempt may have crashed after creation but before the
	// terminal write; reuse its container instead of failing on the name.
	existing, err := d.findByName(ctx, name)
	if err != nil {
		return nil, Transient("provision", err)
	}
	if existing != nil {
		if existing.State != "running" {
			if err := d.client.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
				return nil, Transient("provision", fmt.Errorf("failed to restart container %s: %w", name, err))
			}
		}
		return &Result{PreviewURL: url, ResourceRefs: refsFor(existing.ID, name, req.IdempotencyKey)}, nil
	}

	imageRef := fmt.Sprintf(d.cfg.ImageTemplate, req.Repo, req.CommitSHA)
	reader, err := d.client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			// The build for this commit never published; retrying cannot fix it.
			return nil, Permanent("provision", fmt.Errorf("image %s not found: %w", imageRef, err))
		}
		return nil, Transient("provision", fmt.Errorf("failed to pull image %s: %w", imageRef, err))
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	containerConfig := &container.Config{
		Image: imageRef,
		Labels: map[string]string{
			labelManaged: "true",
			labelKey:     req.IdempotencyKey,
			labelURL:     url,
		},
	}
	created, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			// Lost a create race against a concurrent attempt for the same
			// key; the existing container is the environment.
			if existing, ferr := d.findByName(ctx, name); ferr == nil && existing != nil {
				return &Result{PreviewURL: url, ResourceRefs: refsFor(existing.ID, name, req.IdempotencyKey)}, nil
			}
		}
		return nil, Transient("provision", fmt.Errorf("failed to create container %s: %w", name, err))
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, Transient("provision", fmt.Errorf("failed to start container %s: %w", name, err))
	}

	return &Result{PreviewURL: url, ResourceRefs: refsFor(created.ID, name, req.IdempotencyKey)}, nil
}

func refsFor(id, name, key string) store.ResourceRefs {
	refs := store.ResourceRefs{
		"container_id":   id,
		"container_name": name,
	}
	if key != "" {
		refs["idempotency_key"] = key
	}
	return refs
}

func (d *DockerProvisioner) findByName(ctx context.Context, name string) (*types.Container, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

// Deprovision force-removes the container. Absent targets are success.
func (d *DockerProvisioner) Deprovision(ctx context.Context, refs store.ResourceRefs) error {
	target := refs["container_id"]
	if target == "" {
		target = refs["container_name"]
	}
	if target == "" {
		return nil
	}

	err := d.client.ContainerRemove(ctx, target, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", target, err)
	}
	return nil
}

// ListLiveResources returns refs for every managed preview container,
// including stopped ones.
func (d *DockerProvisioner) ListLiveResources(ctx context.Context) ([]store.ResourceRefs, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	var refs []store.ResourceRefs
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		refs = append(refs, refsFor(c.ID, name, c.Labels[labelKey]))
	}
	return refs, nil
}
