package rpc

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/testutil"
)

const testAdminToken = "admin-secret"

func newTestClient(t *testing.T, steps ...model.Step) (*rpc.Client, *testutil.Service) {
	t.Helper()
	fx := testutil.NewTestService(t, steps...)
	srv, err := NewServer(fx.Service, testAdminToken, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()

	client, err := jsonrpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return client, fx
}

func TestSubmit(t *testing.T) {
	client, _ := newTestClient(t, model.Step{Text: "Hello!"})

	var res domain.TurnResult
	require.NoError(t, client.Call("Aiva.Submit", &domain.InboundEvent{ConversationID: "c1", Text: "hi"}, &res))
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, "Hello!", res.Reply())

	err := client.Call("Aiva.Submit", &domain.InboundEvent{Text: "hi"}, &res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation_id is required")
}

func TestGrantMethods(t *testing.T) {
	client, fx := newTestClient(t)

	var grant domain.Grant
	require.NoError(t, client.Call("Aiva.IssueGrant", &GrantArgs{Token: testAdminToken, GrantRequest: domain.GrantRequest{Scope: "mailbox:read"}}, &grant))
	assert.Equal(t, "rpc", grant.IssuedBy)
	assert.NotEmpty(t, grant.GrantID)

	var list GrantList
	require.NoError(t, client.Call("Aiva.ListGrants", &AdminArgs{Token: testAdminToken}, &list))
	require.Len(t, list.Grants, 1)

	var ack Ack
	require.NoError(t, client.Call("Aiva.RevokeGrant", &RevokeRequest{Token: testAdminToken, GrantID: grant.GrantID}, &ack))
	assert.True(t, ack.OK)
	assert.NotNil(t, fx.Grants.List()[0].RevokedAt)

	err := client.Call("Aiva.RevokeGrant", &RevokeRequest{Token: testAdminToken, GrantID: "gr_missing"}, &ack)
	assert.Error(t, err)

	err = client.Call("Aiva.IssueGrant", &GrantArgs{Token: testAdminToken, GrantRequest: domain.GrantRequest{Scope: "bad scope"}}, &grant)
	assert.Error(t, err)
}

func TestGrantMethodsRequireToken(t *testing.T) {
	client, fx := newTestClient(t)

	var grant domain.Grant
	err := client.Call("Aiva.IssueGrant", &GrantArgs{GrantRequest: domain.GrantRequest{Scope: "shell:exec"}}, &grant)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
	err = client.Call("Aiva.IssueGrant", &GrantArgs{Token: "wrong", GrantRequest: domain.GrantRequest{Scope: "shell:exec"}}, &grant)
	require.Error(t, err)
	assert.Empty(t, fx.Grants.List())

	var list GrantList
	assert.Error(t, client.Call("Aiva.ListGrants", &AdminArgs{}, &list))
	var ack Ack
	assert.Error(t, client.Call("Aiva.RevokeGrant", &RevokeRequest{GrantID: "gr_x"}, &ack))
}

func TestListTools(t *testing.T) {
	client, _ := newTestClient(t)

	var tools ToolList
	require.NoError(t, client.Call("Aiva.ListTools", &Empty{}, &tools))
	require.Len(t, tools.Tools, 2)
	assert.Equal(t, "echo", tools.Tools[0].Name)
}

func TestShutdownBeforeStart(t *testing.T) {
	srv, err := NewServer(testutil.NewTestService(t).Service, "", nil)
	require.NoError(t, err)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
