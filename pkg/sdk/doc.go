// Package amcat embeds the amcat index server in a Go program: the same
// registry, role checks and query translation as the HTTP API, without the
// HTTP layer.
//
// A Client acts as one subject. Use As to act as another one.
//
//	client, _ := amcat.New(ctx,
//	    amcat.WithRedis("localhost:6379", ""),
//	    amcat.WithElastic("http://localhost:9200"),
//	    amcat.WithSubject("alice@example.com", amcat.RoleWriter),
//	)
//	defer client.Close()
//
//	_, _ = client.Indices().Create(ctx, "news", []amcat.Field{
//	    {Name: "title", Type: amcat.FieldText},
//	    {Name: "date", Type: amcat.FieldDate},
//	}, false)
//	_, _ = client.Documents("news").Upload(ctx, docs)
//	res, _ := client.Query("news").Search(ctx, amcat.Query{
//	    Queries: map[string]string{"q": "climate"},
//	    Sort:    []string{"-date"},
//	})
//
// Without a server, WithSQLite and WithEmbeddedEngine keep everything on disk.
package amcat
