package modules

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/schema"
	"github.com/scout-hq/scout/vault"
)

// Credentials exposes the vault over tools. Secrets only travel in
// credential_get results; listings stay metadata-only.
type Credentials struct {
	vault *vault.Vault
}

// NewCredentials returns the credentials module backed by v.
func NewCredentials(v *vault.Vault) *Credentials { return &Credentials{vault: v} }

func (c *Credentials) Name() string     { return "credentials" }
func (c *Credentials) Category() string { return "security" }

func (c *Credentials) Register(_ context.Context, b *registry.Batch, _ map[string]any) error {
	typeField := schema.WithEnum(schema.String("credential type"),
		string(vault.TypePassword), string(vault.TypeAPIKey), string(vault.TypeSSHKey),
		string(vault.TypeOAuthToken), string(vault.TypeCertificate), string(vault.TypeCustom))

	tools := []registry.Tool{
		{
			Name:        "credential_add",
			Description: "Store a credential with encrypted secret fields",
			Category:    "security",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"id":       schema.String("unique credential id"),
				"type":     typeField,
				"username": schema.Optional(schema.String("account name")),
				"url":      schema.Optional(schema.String("endpoint the credential belongs to")),
				"notes":    schema.Optional(schema.String("free-form notes")),
				"secrets":  schema.ObjectField("secret fields, string values", schema.OpenObject(nil)),
			})),
			Handler: c.add,
		},
		{
			Name:        "credential_get",
			Description: "Decrypt and return one credential",
			Category:    "security",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"id": schema.String("credential id"),
			})),
			Handler: c.get,
		},
		{
			Name:        "credential_list",
			Description: "List credential metadata, optionally filtered by type",
			Category:    "security",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"type": schema.Optional(typeField),
			})),
			Handler: c.list,
		},
		{
			Name:        "credential_remove",
			Description: "Delete one credential",
			Category:    "security",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"id": schema.String("credential id"),
			})),
			Handler: c.remove,
		},
		{
			Name:        "credential_rotate_key",
			Description: "Rotate the master key and re-encrypt every stored secret",
			Category:    "security",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"key_base64": schema.Optional(schema.String("new 32-byte key, base64; generated when omitted")),
			})),
			Handler: c.rotateKey,
		},
	}
	for _, t := range tools {
		if err := b.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Credentials) add(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	secretsArg, ok := args["secrets"].(map[string]any)
	if !ok {
		return protocol.NewToolResultError("secrets must be an object"), nil
	}
	secrets := make(map[string]string, len(secretsArg))
	for name, v := range secretsArg {
		s, ok := v.(string)
		if !ok {
			return protocol.NewToolResultErrorf("secret %q must be a string", name), nil
		}
		secrets[name] = s
	}

	req := vault.AddRequest{
		ID:       stringArg(args, "id"),
		Type:     vault.CredentialType(stringArg(args, "type")),
		Username: stringArg(args, "username"),
		URL:      stringArg(args, "url"),
		Notes:    stringArg(args, "notes"),
		Secrets:  secrets,
	}
	if err := c.vault.Add(req); err != nil {
		return protocol.NewToolResultErrorf("adding credential %q: %v", req.ID, err), nil
	}
	return protocol.NewToolResultText(fmt.Sprintf("stored credential %q", req.ID)), nil
}

func (c *Credentials) get(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	id := stringArg(args, "id")
	dec, err := c.vault.Get(id)
	if err != nil {
		return protocol.NewToolResultErrorf("reading credential %q: %v", id, err), nil
	}
	return jsonResult(dec)
}

func (c *Credentials) list(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	typ := vault.CredentialType(stringArg(args, "type"))
	metas := c.vault.List(typ)
	return jsonResult(map[string]any{"count": len(metas), "credentials": metas})
}

func (c *Credentials) remove(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	id := stringArg(args, "id")
	if err := c.vault.Remove(id); err != nil {
		return protocol.NewToolResultErrorf("removing credential %q: %v", id, err), nil
	}
	return protocol.NewToolResultText(fmt.Sprintf("removed credential %q", id)), nil
}

func (c *Credentials) rotateKey(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	var material []byte
	if encoded := stringArg(args, "key_base64"); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return protocol.NewToolResultErrorf("decoding key: %v", err), nil
		}
		material = decoded
	}
	if err := c.vault.RotateKey(material); err != nil {
		return protocol.NewToolResultErrorf("rotating key: %v", err), nil
	}
	return protocol.NewToolResultText("master key rotated"), nil
}
