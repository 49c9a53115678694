package cftest

// Opcodes used by the fixtures.
const (
	aconstNull    = 0x01
	lconst0       = 0x09
	lload1        = 0x1F
	aload0        = 0x2A
	astore1       = 0x4C
	ladd          = 0x61
	lcmp          = 0x94
	ifle          = 0x9E
	ireturn       = 0xAC
	dreturn       = 0xAF
	areturn       = 0xB0
	vreturn       = 0xB1
	getfield      = 0xB4
	putfield      = 0xB5
	invokespecial = 0xB7
	aload1        = 0x2B
)

func op16(op byte, idx uint16) []byte {
	return append([]byte{op}, u2(idx)...)
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (b *Builder) defaultInit(super string) *Builder {
	return b.Method(0x0001, "<init>", "()V", &Code{
		MaxStack: 1, MaxLocals: 1,
		Code: join([]byte{aload0}, op16(invokespecial, b.Methodref(super, "<init>", "()V")), []byte{vreturn}),
	})
}

// Point is test/Point with int fields x and y, a constructor, and getters
// getX and getY.
func Point(major uint16) *Builder {
	b := NewClass("test/Point", "java/lang/Object")
	b.Major = major
	b.Field(0x0002, "x", "I").Field(0x0002, "y", "I")
	b.defaultInit("java/lang/Object")
	for _, f := range []string{"x", "y"} {
		b.Method(0x0001, "get"+string(f[0]-32), "()I", &Code{
			MaxStack: 1, MaxLocals: 1,
			Code:  join([]byte{aload0}, op16(getfield, b.Fieldref("test/Point", f, "I")), []byte{ireturn}),
			Attrs: []Attr{LineNumbers(0, 10)},
		})
	}
	return b
}

// Account is test/Account with fields balance (J), name (String) and owner
// (Object). Its methods cover a branch, an exception handler, a
// LocalVariableTable, a StackMapTable when major >= 50, and clone.
//
//	deposit(J)V
//	   0: lload_1
//	   1: lconst_0
//	   2: lcmp
//	   3: ifle 16
//	   6: aload_0
//	   7: aload_0
//	   8: getfield balance
//	  11: lload_1
//	  12: ladd
//	  13: putfield balance
//	  16: return
//
//	safeName()Ljava/lang/String;
//	   0: aload_0
//	   1: getfield name
//	   4: areturn
//	   5: astore_1          handler for [0, 5) RuntimeException
//	   6: aconst_null
//	   7: areturn
func Account(major uint16) *Builder {
	const self = "test/Account"
	b := NewClass(self, "java/lang/Object")
	b.Major = major
	b.Interface("java/lang/Cloneable")
	b.Field(0x0002, "balance", "J").
		Field(0x0002, "name", "Ljava/lang/String;").
		Field(0x0001, "owner", "Ljava/lang/Object;")
	b.defaultInit("java/lang/Object")

	balance := b.Fieldref(self, "balance", "J")
	deposit := &Code{
		MaxStack: 5, MaxLocals: 3,
		Code: join(
			[]byte{lload1, lconst0, lcmp}, op16(ifle, 13),
			[]byte{aload0, aload0}, op16(getfield, balance),
			[]byte{lload1, ladd}, op16(putfield, balance),
			[]byte{vreturn},
		),
		Attrs: []Attr{
			LineNumbers(0, 20, 6, 21, 16, 23),
			b.LocalVars(
				LocalVar{Start: 0, Length: 17, Name: "this", Desc: "L" + self + ";", Slot: 0},
				LocalVar{Start: 0, Length: 17, Name: "amount", Desc: "J", Slot: 1},
			),
		},
	}
	safeName := &Code{
		MaxStack: 1, MaxLocals: 2,
		Code: join(
			[]byte{aload0}, op16(getfield, b.Fieldref(self, "name", "Ljava/lang/String;")), []byte{areturn},
			[]byte{astore1, aconstNull, areturn},
		),
		Handlers: []Handler{{Start: 0, End: 5, Handler: 5, CatchType: "java/lang/RuntimeException"}},
	}
	if major >= 50 {
		deposit.Attrs = append(deposit.Attrs, StackMap([]byte{16}))
		safeName.Attrs = append(safeName.Attrs, StackMap(append([]byte{64 + 5}, b.ObjectType("java/lang/RuntimeException")...)))
	}
	b.Method(0x0001, "deposit", "(J)V", deposit)
	b.Method(0x0001, "safeName", "()Ljava/lang/String;", safeName)
	b.Method(0x0001, "clone", "()Ljava/lang/Object;", &Code{
		MaxStack: 1, MaxLocals: 1,
		Code: join([]byte{aload0}, op16(invokespecial, b.Methodref("java/lang/Object", "clone", "()Ljava/lang/Object;")), []byte{areturn}),
	}, Attr{Name: "Exceptions", Data: join(u2(1), u2(b.Class("java/lang/CloneNotSupportedException")))})
	b.Attribute(Attr{Name: "SourceFile", Data: u2(b.Utf8("Account.java"))})
	return b
}

// Savings is test/Savings extending test/Account, with a double field rate
// and a getter reading it.
func Savings(major uint16) *Builder {
	const self = "test/Savings"
	b := NewClass(self, "test/Account")
	b.Major = major
	b.Field(0x0002, "rate", "D")
	b.defaultInit("test/Account")
	b.Method(0x0001, "getRate", "()D", &Code{
		MaxStack: 2, MaxLocals: 1,
		Code: join([]byte{aload0}, op16(getfield, b.Fieldref(self, "rate", "D")), []byte{dreturn}),
	})
	return b
}

// Plain is test/Plain, a class with one field and no persistence metadata.
func Plain() *Builder {
	b := NewClass("test/Plain", "java/lang/Object")
	b.Field(0x0001, "v", "I")
	b.defaultInit("java/lang/Object")
	b.Method(0x0001, "copyFrom", "(Ltest/Plain;)V", &Code{
		MaxStack: 2, MaxLocals: 2,
		Code: join([]byte{aload0, aload1}, op16(getfield, b.Fieldref("test/Plain", "v", "I")), op16(putfield, b.Fieldref("test/Plain", "v", "I")), []byte{vreturn}),
	})
	return b
}
