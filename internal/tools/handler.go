package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mcp-server-images/internal/mcp"
	"mcp-server-images/internal/providers"
	"mcp-server-images/internal/utils"
)

const (
	ServerName    = "mcp-server-images"
	ServerVersion = "0.1.0"

	GenerateImageTool = "generate_image"
)

const generateImageSchemaJSON = `{
  "type": "object",
  "properties": {
    "prompt": {
      "type": "string",
      "minLength": 1,
      "description": "Detailed text description of the image to generate"
    },
    "negative_prompt": {
      "type": "string",
      "description": "Things to avoid in the image (not supported by BFL or turbo models)"
    },
    "provider": {
      "type": "string",
      "enum": ["stability", "bfl"],
      "default": "stability",
      "description": "Image generation provider"
    },
    "model": {
      "type": "string",
      "description": "Specific model to use (e.g. 'sd3.5-large', 'flux-pro-1.1'); unknown names fall back to the provider default"
    },
    "aspect_ratio": {
      "type": "string",
      "default": "1:1",
      "description": "Image aspect ratio: 16:9, 1:1, 21:9, 2:3, 3:2, 4:5, 5:4, 9:16 or 9:21"
    },
    "cfg_scale": {
      "type": "number",
      "default": 7.0,
      "description": "Classifier free guidance scale, clamped to 1.0-10.0 (Stability AI only)"
    },
    "seed": {
      "type": "integer",
      "minimum": 0,
      "maximum": 4294967294,
      "description": "Seed for reproducible generation"
    },
    "output_dir": {
      "type": "string",
      "description": "Output directory for generated images"
    },
    "filename_template": {
      "type": "string",
      "description": "Go template for the filename; fields: Timestamp, Date, Time, Provider, Model, Subject, Hash, Counter"
    }
  },
  "required": ["prompt"]
}`

var generateImageSchema = jsonschema.MustCompileString("generate_image.json", generateImageSchemaJSON)

// Options configures a Handler.
type Options struct {
	OutputDir        string // used when a call has no output_dir
	FilenameTemplate string // used when a call has no filename_template
	WriteMetadata    bool
	Logger           *slog.Logger
	Renderer         *utils.FilenameRenderer
}

// Handler processes MCP requests and dispatches tool calls to providers.
// It is safe for concurrent use.
type Handler struct {
	providers        map[providers.Name]providers.Provider
	renderer         *utils.FilenameRenderer
	outputDir        string
	filenameTemplate string
	writeMetadata    bool
	logger           *slog.Logger
}

// NewHandler creates a handler serving the given provider clients.
// Clients are registered under their Name; a provider absent here is reported
// as not configured.
func NewHandler(opts Options, clients ...providers.Provider) *Handler {
	h := &Handler{
		providers:        make(map[providers.Name]providers.Provider, len(clients)),
		renderer:         opts.Renderer,
		outputDir:        opts.OutputDir,
		filenameTemplate: opts.FilenameTemplate,
		writeMetadata:    opts.WriteMetadata,
		logger:           opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.renderer == nil {
		h.renderer = utils.NewFilenameRenderer()
	}
	if h.outputDir == "" {
		h.outputDir = "./images"
	}
	for _, c := range clients {
		h.providers[providers.Name(c.Name())] = c
	}
	return h
}

// Configured returns the tags of the registered providers in display order.
func (h *Handler) Configured() []string {
	var names []string
	for _, n := range providers.Names {
		if _, ok := h.providers[n]; ok {
			names = append(names, string(n))
		}
	}
	return names
}

// HandleRequest routes an incoming MCP message. It returns nil for
// notifications, which get no response.
func (h *Handler) HandleRequest(ctx context.Context, request mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	if strings.HasPrefix(request.Method, "notifications/") || request.IsNotification() {
		h.logger.Debug("Ignoring notification", "method", request.Method)
		return nil
	}
	h.logger.Debug("Handling request", "method", request.Method, "id", string(request.ID))

	var response mcp.JSONRPCResponse
	switch request.Method {
	case "initialize":
		response = h.handleInitialize(request)
	case "ping":
		response = mcp.NewResultResponse(request.ID, struct{}{})
	case "tools/list":
		response = h.handleListTools(request)
	case "tools/call":
		response = h.handleCallTool(ctx, request)
	default:
		response = mcp.NewErrorResponse(request.ID, mcp.CodeMethodNotFound, "Method not found", request.Method)
	}
	return &response
}

func (h *Handler) handleInitialize(request mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	h.logger.Info("Handling initialize request", "client", request.Params.ClientInfo["name"], "protocol_version", request.Params.ProtocolVersion)
	return mcp.NewResultResponse(request.ID, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
	})
}

func (h *Handler) handleListTools(request mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	description := "Generate images from text prompts using AI image generation models. Configured providers: " +
		strings.Join(h.Configured(), ", ")
	return mcp.NewResultResponse(request.ID, map[string]any{
		"tools": []mcp.Tool{{
			Name:        GenerateImageTool,
			Description: description,
			InputSchema: json.RawMessage(generateImageSchemaJSON),
		}},
	})
}

func (h *Handler) handleCallTool(ctx context.Context, request mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	h.logger.Info("Handling tools/call request", "tool_name", request.Params.Name, "id", string(request.ID))

	var (
		result  any
		toolErr *mcp.RPCError
	)
	switch request.Params.Name {
	case GenerateImageTool:
		result, toolErr = h.callGenerateImage(ctx, request.Params.Arguments)
	default:
		toolErr = &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Tool not found: " + request.Params.Name}
	}
	if toolErr != nil {
		return mcp.NewErrorResponse(request.ID, toolErr.Code, toolErr.Message, toolErr.Data)
	}
	return mcp.NewResultResponse(request.ID, result)
}

type generateArgs struct {
	Prompt           string       `json:"prompt"`
	NegativePrompt   string       `json:"negative_prompt"`
	Provider         string       `json:"provider"`
	Model            string       `json:"model"`
	AspectRatio      string       `json:"aspect_ratio"`
	CFGScale         *float64     `json:"cfg_scale"`
	Seed             *json.Number `json:"seed"`
	OutputDir        string       `json:"output_dir"`
	FilenameTemplate string       `json:"filename_template"`
}

// generateResponse is the JSON document returned to the caller as text content.
type generateResponse struct {
	*providers.Result
	MetadataPath string `json:"metadata_path,omitempty"`
}

func (h *Handler) callGenerateImage(ctx context.Context, raw json.RawMessage) (any, *mcp.RPCError) {
	args, rpcErr := decodeGenerateArgs(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	name, err := providers.ParseName(args.Provider)
	if err != nil {
		return nil, MapError(err, args.Provider)
	}
	provider, ok := h.providers[name]
	if !ok {
		h.logger.Warn("Provider requested but not configured", "provider", name)
		return nil, &mcp.RPCError{
			Code:    CodeServerError,
			Message: fmt.Sprintf("provider %q is not configured; set its API key and restart the server", name),
			Data:    ErrorData{Kind: KindProviderNotConfigured, Provider: string(name)},
		}
	}

	seed, rpcErr := parseSeed(args.Seed)
	if rpcErr != nil {
		return nil, rpcErr
	}

	outputDir := args.OutputDir
	if outputDir == "" {
		outputDir = h.outputDir
	}
	tmpl := args.FilenameTemplate
	if tmpl == "" {
		tmpl = h.filenameTemplate
	}
	model := args.Model
	if r, ok := provider.(providers.ModelResolver); ok {
		model = r.ResolveModel(args.Model)
	}
	outputPath, err := h.renderer.OutputPath(outputDir, tmpl, utils.FilenameParams{
		Prompt:   args.Prompt,
		Provider: string(name),
		Model:    model,
	})
	if err != nil {
		return nil, invalidParams(err.Error(), "filename_template")
	}

	h.logger.Info("Generating image", "provider", name, "model", model, "aspect_ratio", args.AspectRatio, "output_path", outputPath)
	h.logger.Debug("Prompt", "prompt", providers.TruncateForLog(args.Prompt, 100))

	result, err := provider.Generate(ctx, &providers.Request{
		Prompt:         args.Prompt,
		NegativePrompt: args.NegativePrompt,
		Model:          args.Model,
		AspectRatio:    args.AspectRatio,
		CFGScale:       args.CFGScale,
		Seed:           seed,
		OutputPath:     outputPath,
	})
	if err != nil {
		h.logger.Error("Image generation failed", "provider", name, "kind", providers.Kind(err), "error", err)
		return nil, MapError(err, string(name))
	}

	resp := generateResponse{Result: result}
	if h.writeMetadata && result.FilePath != "" {
		meta, err := metadataFor(result)
		path := ""
		if err == nil {
			path, err = utils.WriteMetadata(result.FilePath, meta)
		}
		if err != nil {
			// The image itself is already on disk.
			h.logger.Warn("Failed to write metadata sidecar", "path", result.FilePath, "error", err)
		} else {
			resp.MetadataPath = path
		}
	}

	text, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: "failed to encode result: " + err.Error()}
	}
	h.logger.Info("Image generated", "provider", name, "model", result.Model, "file_path", result.FilePath, "size_bytes", result.ImageSize)

	return mcp.CallToolResult{Content: []mcp.Content{{Type: "text", Text: string(text)}}}, nil
}

func decodeGenerateArgs(raw json.RawMessage) (*generateArgs, *mcp.RPCError) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, invalidParams("arguments are not valid JSON: "+err.Error(), "")
	}
	if err := generateImageSchema.Validate(doc); err != nil {
		message, field := describeSchemaError(err)
		return nil, invalidParams(message, field)
	}

	var args generateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams(err.Error(), "")
	}
	return &args, nil
}

// describeSchemaError flattens a schema failure to its first leaf cause.
func describeSchemaError(err error) (message, field string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error(), ""
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field = strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		return ve.Message, ""
	}
	return field + ": " + ve.Message, field
}

// parseSeed accepts integral numbers in any JSON spelling, e.g. 42 or 42.0.
func parseSeed(n *json.Number) (*int64, *mcp.RPCError) {
	if n == nil {
		return nil, nil
	}
	if v, err := n.Int64(); err == nil {
		return &v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return nil, invalidParams("seed must be an integer", "seed")
	}
	v := int64(f)
	return &v, nil
}

func metadataFor(result *providers.Result) (utils.Metadata, error) {
	params := map[string]any{}
	data, err := json.Marshal(result.Parameters)
	if err == nil {
		err = json.Unmarshal(data, &params)
	}
	if err != nil {
		return utils.Metadata{}, fmt.Errorf("encode generation parameters: %w", err)
	}
	if result.ActualSeed != nil {
		params["actual_seed"] = *result.ActualSeed
	}
	if result.RequestID != "" {
		params["request_id"] = result.RequestID
	}
	return utils.Metadata{
		Provider:   result.Provider,
		Model:      result.Model,
		Parameters: params,
		Image:      result.Image,
	}, nil
}
