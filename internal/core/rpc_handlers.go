package core

import (
	"context"
	"encoding/json"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/registry"
	"github.com/keboola/storage-backend/internal/rpcbridge"
)

// registerRPCHandlers binds the RPC Bridge's tagged commands to Core's
// operations. Only the
// operations an external control plane actually drives (project/branch/
// bucket/table lifecycle) are exposed here; day-to-day data access goes
// through internal/restapi instead.
func (c *Core) registerRPCHandlers() {
	c.RPCBridge.Register("CreateProjectCommand", c.rpcCreateProject)
	c.RPCBridge.Register("DeleteProjectCommand", c.rpcDeleteProject)
	c.RPCBridge.Register("CreateBucketCommand", c.rpcCreateBucket)
	c.RPCBridge.Register("CreateBranchCommand", c.rpcCreateBranch)
	c.RPCBridge.Register("DeleteBranchCommand", c.rpcDeleteBranch)
	c.RPCBridge.Register("CreateTableCommand", c.rpcCreateTable)
	c.RPCBridge.Register("DropTableCommand", c.rpcDropTable)
}

func noMessages() []rpcbridge.Message { return nil }

type createProjectPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (c *Core) rpcCreateProject(ctx context.Context, _ rpcbridge.Credentials, payload json.RawMessage) (json.RawMessage, []rpcbridge.Message, error) {
	var in createProjectPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, nil, errs.Wrap(errs.InvalidArgument, "decoding CreateProjectCommand payload", err)
	}
	p, err := c.CreateProject(ctx, in.Name, in.Description)
	if err != nil {
		return nil, nil, err
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, "encoding CreateProjectCommand response", err)
	}
	return out, noMessages(), nil
}

type deleteProjectPayload struct {
	ProjectID string `json:"project_id"`
}

func (c *Core) rpcDeleteProject(ctx context.Context, creds rpcbridge.Credentials, payload json.RawMessage) (json.RawMessage, []rpcbridge.Message, error) {
	var in deleteProjectPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, nil, errs.Wrap(errs.InvalidArgument, "decoding DeleteProjectCommand payload", err)
	}
	if in.ProjectID == "" {
		in.ProjectID = creds.ProjectID
	}
	if err := c.DeleteProject(ctx, in.ProjectID); err != nil {
		return nil, nil, err
	}
	return json.RawMessage("{}"), []rpcbridge.Message{{Level: rpcbridge.LevelInfo, Text: "project deleted"}}, nil
}

type createBucketPayload struct {
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
	Name      string `json:"name"`
}

func (c *Core) rpcCreateBucket(ctx context.Context, creds rpcbridge.Credentials, payload json.RawMessage) (json.RawMessage, []rpcbridge.Message, error) {
	var in createBucketPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, nil, errs.Wrap(errs.InvalidArgument, "decoding CreateBucketCommand payload", err)
	}
	if in.ProjectID == "" {
		in.ProjectID = creds.ProjectID
	}
	b, err := c.CreateBucket(ctx, in.ProjectID, in.Stage, in.Name)
	if err != nil {
		return nil, nil, err
	}
	out, err := json.Marshal(b)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, "encoding CreateBucketCommand response", err)
	}
	return out, noMessages(), nil
}

type createBranchPayload struct {
	ProjectID string `json:"project_id"`
	BranchID  string `json:"branch_id"`
	Name      string `json:"name"`
}

func (c *Core) rpcCreateBranch(ctx context.Context, creds rpcbridge.Credentials, payload json.RawMessage) (json.RawMessage, []rpcbridge.Message, error) {
	var in createBranchPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, nil, errs.Wrap(errs.InvalidArgument, "decoding CreateBranchCommand payload", err)
	}
	if in.ProjectID == "" {
		in.ProjectID = creds.ProjectID
	}
	if err := c.CreateBranch(ctx, in.ProjectID, in.BranchID, in.Name); err != nil {
		return nil, nil, err
	}
	return json.RawMessage("{}"), noMessages(), nil
}

type deleteBranchPayload struct {
	ProjectID string `json:"project_id"`
	BranchID  string `json:"branch_id"`
}

func (c *Core) rpcDeleteBranch(ctx context.Context, creds rpcbridge.Credentials, payload json.RawMessage) (json.RawMessage, []rpcbridge.Message, error) {
	var in deleteBranchPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, nil, errs.Wrap(errs.InvalidArgument, "decoding DeleteBranchCommand payload", err)
	}
	if in.ProjectID == "" {
		in.ProjectID = creds.ProjectID
	}
	if err := c.DeleteBranch(ctx, in.ProjectID, in.BranchID); err != nil {
		return nil, nil, err
	}
	return json.RawMessage("{}"), noMessages(), nil
}

type createTablePayload struct {
	ProjectID  string            `json:"project_id"`
	BranchID   string            `json:"branch_id"`
	Bucket     string            `json:"bucket"`
	Table      string            `json:"table"`
	Columns    []registry.Column `json:"columns"`
	PrimaryKey []string          `json:"primary_key"`
}

func (c *Core) rpcCreateTable(ctx context.Context, creds rpcbridge.Credentials, payload json.RawMessage) (json.RawMessage, []rpcbridge.Message, error) {
	var in createTablePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, nil, errs.Wrap(errs.InvalidArgument, "decoding CreateTableCommand payload", err)
	}
	if in.ProjectID == "" {
		in.ProjectID = creds.ProjectID
	}
	if err := c.CreateTable(ctx, in.ProjectID, in.BranchID, in.Bucket, in.Table, in.Columns, in.PrimaryKey); err != nil {
		return nil, nil, err
	}
	return json.RawMessage("{}"), noMessages(), nil
}

type dropTablePayload struct {
	ProjectID string `json:"project_id"`
	BranchID  string `json:"branch_id"`
	Bucket    string `json:"bucket"`
	Table     string `json:"table"`
}

func (c *Core) rpcDropTable(ctx context.Context, creds rpcbridge.Credentials, payload json.RawMessage) (json.RawMessage, []rpcbridge.Message, error) {
	var in dropTablePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, nil, errs.Wrap(errs.InvalidArgument, "decoding DropTableCommand payload", err)
	}
	if in.ProjectID == "" {
		in.ProjectID = creds.ProjectID
	}
	if err := c.DropTable(ctx, in.ProjectID, in.BranchID, in.Bucket, in.Table); err != nil {
		return nil, nil, err
	}
	return json.RawMessage("{}"), []rpcbridge.Message{{Level: rpcbridge.LevelInfo, Text: "table dropped"}}, nil
}
