// Package influence changes what the constructors of compiled module types
// do without touching the installed images.
//
// A patch rewrites a copy of the module declaring a type so that its first
// declared constructor calls a Go method before anything else, then records
// the copy in an identity registry. Instances created through Instantiate
// resolve every module, dependencies included, through that registry in a
// fresh isolated context. Ordinary construction through the ambient
// pipeline keeps loading the installed images.
//
//	env, err := influence.New(ctx, &influence.Config{SearchPaths: []string{"modules"}})
//	if err != nil {
//	    return err
//	}
//	defer env.Close(ctx)
//
//	counter := &Counter{}
//	if _, err := influence.ModifyTypeConstructor[Library](ctx, env, counter, "AddCounter"); err != nil {
//	    return err
//	}
//
//	obj, err := influence.Instantiate[Library](ctx, env)
//	if err != nil {
//	    return err
//	}
//	defer obj.Close(ctx)
//
// Packages:
//
//	influence/
//	├── identity/    Module identities and their canonical strings
//	├── registry/    Identity to patched image path table
//	├── image/       Core module parsing, editing and building
//	├── host/        Go receivers exposed as host modules
//	├── patch/       Constructor splicing and patched image output
//	├── resolve/     Ambient pipeline and isolated resolvers
//	├── factory/     Instance construction
//	├── fixture/     Sample modules for tests and demos
//	└── errors/      Structured error types
//
// # Thread Safety
//
// Environment methods may be called from multiple goroutines, but two
// concurrent patches of the same module race for the registry entry and
// the last write wins. Objects are not safe for concurrent use.
package influence
