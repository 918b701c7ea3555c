// Package agentclient is the agent side of the agentgate handshake.
//
// A Client holds a sigverify.Signer and walks a service through discovery,
// registration, challenge signing, verification and re-authentication. Once
// it holds a credential, Do attaches it as a bearer token to outgoing
// requests.
//
//	signer, _ := sigverify.GenerateEd25519Signer()
//	c := agentclient.New("https://api.example.com", signer)
//	creds, err := c.Register(ctx, agentclient.RegisterOptions{Scopes: []string{"weather:read"}})
//
// Error responses are decoded back into *apierr.Error so callers can branch
// on apierr.KindOf exactly as the service does.
package agentclient
